package app

import (
	"context"
	"sort"

	"growthbot/internal/eventbus"
	logx "growthbot/pkg/logx"
)

// runReporter consumes pipeline events from the bus and logs each one. In
// dry-run mode this is the operator's view of what the loop would have done:
// every listener verdict, decision, admission and actuation outcome lands
// here, including the ones that never reach the actuator.
func runReporter(ctx context.Context, bus eventbus.Bus, log logx.Logger) {
	ch, unsub := bus.Subscribe(64)
	defer unsub()
	for {
		select {
		case <-ctx.Done():
			return
		case e, ok := <-ch:
			if !ok {
				return
			}
			log.Info(e.Type, eventFields(e)...)
		}
	}
}

// eventFields flattens the event payload into log fields, sorted by key so
// the rendered lines are stable.
func eventFields(e eventbus.Event) []logx.Field {
	data, ok := e.Data.(map[string]any)
	if !ok {
		return []logx.Field{logx.Any("data", e.Data)}
	}
	keys := make([]string, 0, len(data))
	for k := range data {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	fields := make([]logx.Field, 0, len(keys))
	for _, k := range keys {
		fields = append(fields, logx.Any(k, data[k]))
	}
	return fields
}
