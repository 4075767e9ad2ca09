package storage

import (
	"github.com/fruitsalade/appfs/internal/events"
	"github.com/fruitsalade/appfs/pkg/models"
)

// Notifier wraps node events of one file system into containers.
type Notifier struct {
	fileSystem string
	pub        events.Publisher
}

// NewNotifier returns a notifier publishing to pub. A nil pub discards.
func NewNotifier(fileSystem string, pub events.Publisher) *Notifier {
	if pub == nil {
		pub = events.Discard
	}
	return &Notifier{fileSystem: fileSystem, pub: pub}
}

// FileSystem returns the file system name stamped on containers.
func (n *Notifier) FileSystem() string {
	return n.fileSystem
}

// Notify publishes each event on the node topic.
func (n *Notifier) Notify(evs ...models.NodeEvent) {
	for _, e := range evs {
		n.pub.Publish(models.NodeEventContainer{
			FileSystemName: n.fileSystem,
			Topic:          models.TopicNode,
			Event:          e,
		})
	}
}
