package broadcast

import "dailycast/internal/eventbus"

// BusSink publishes broadcast events on the event bus.
type BusSink struct {
	Bus eventbus.Bus
}

func (b BusSink) Emit(e Event) {
	if b.Bus == nil {
		return
	}
	b.Bus.Publish(eventbus.Event{Type: eventbus.TypeBroadcastLog, Time: e.Time, Data: e})
}

// ScheduleNotifier returns an OnScheduleChange hook that publishes the schedule on bus.
func ScheduleNotifier(bus eventbus.Bus) func(Schedule) {
	return func(s Schedule) {
		bus.Publish(eventbus.Event{Type: eventbus.TypeScheduleUpdated, Data: s})
	}
}
