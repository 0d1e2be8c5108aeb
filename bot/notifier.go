package bot

import (
	"context"
	"fmt"
	"time"

	"tagbind/internal/models"
	"tagbind/internal/notify"
)

// Notifier is a bus subscriber that forwards binding completions and
// removals to the authorized admin chat.
type Notifier struct {
	sub *notify.Subscriber
	bus *notify.Bus
}

// NewNotifier registers the notifier on the bus.
func NewNotifier(bus *notify.Bus) *Notifier {
	return &Notifier{
		sub: bus.Register(notify.KindBindingCompleted, notify.KindBindingRemoved),
		bus: bus,
	}
}

// Run consumes bus events until the context is cancelled. Usually run
// in a goroutine. A heartbeat ticker keeps the in-process subscriber
// from being swept by the bus liveness probe.
func (n *Notifier) Run(ctx context.Context) {
	defer n.bus.Unregister(n.sub.ID())

	beat := time.NewTicker(10 * time.Second)
	defer beat.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-beat.C:
			n.bus.Heartbeat(n.sub.ID())
		case evt, ok := <-n.sub.Events():
			if !ok {
				return
			}
			n.bus.Heartbeat(n.sub.ID())
			n.forward(evt)
		}
	}
}

func (n *Notifier) forward(evt notify.Event) {
	switch data := evt.Data.(type) {
	case models.BindingCompleted:
		SendNotification(fmt.Sprintf(
			"✅ *Tag bound*\n👤 Guest: `%s`\n🏷 Tag: `%s`\n🕐 %s",
			data.GuestID, data.TagID, data.CompletedAt.Format("15:04:05")))
	case models.BindingRemoved:
		SendNotification(fmt.Sprintf(
			"🗑 *Binding removed*\n👤 Guest: `%s`\n📁 Project: `%s`",
			data.GuestID, data.ProjectID))
	}
}
