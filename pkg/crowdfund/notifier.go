package crowdfund

import (
	evbus "github.com/asaskevich/EventBus"
)

const (
	topicSnapshotChanged = "crowdfund:snapshot_changed"
	topicSessionChanged  = "crowdfund:session_changed"
	topicOperationStatus = "crowdfund:operation_status"
)

// Notifier delivers state changes to presentation code.
// Listeners run synchronously on the publishing goroutine and must not publish themselves.
type Notifier struct {
	bus evbus.Bus
}

// NewNotifier returns a notifier with its own event bus.
func NewNotifier() *Notifier {
	return &Notifier{bus: evbus.New()}
}

// OnSnapshotChanged registers a listener for replaced snapshots.
// A nil snapshot means cached state was invalidated.
func (notifier *Notifier) OnSnapshotChanged(listener func(snapshot *ContractSnapshot)) error {
	return notifier.bus.Subscribe(topicSnapshotChanged, listener)
}

// OnSessionChanged registers a listener for session updates.
func (notifier *Notifier) OnSessionChanged(listener func(session Session)) error {
	return notifier.bus.Subscribe(topicSessionChanged, listener)
}

// OnOperationStatus registers a listener for status messages and the current pending operation.
func (notifier *Notifier) OnOperationStatus(listener func(status OperationStatus)) error {
	return notifier.bus.Subscribe(topicOperationStatus, listener)
}

func (notifier *Notifier) publishSnapshot(snapshot *ContractSnapshot) {
	notifier.bus.Publish(topicSnapshotChanged, snapshot)
}

func (notifier *Notifier) publishSession(session Session) {
	notifier.bus.Publish(topicSessionChanged, session)
}

func (notifier *Notifier) publishStatus(status OperationStatus) {
	notifier.bus.Publish(topicOperationStatus, status)
}
