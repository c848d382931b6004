package relay

import "context"

// Observer receives relay lifecycle events. Calls are made synchronously
// from the flow that caused the event, outside any relay lock, so
// implementations should return quickly.
type Observer interface {
	DeviceConnected(c *Conn, replaced bool)
	DeviceDisconnected(c *Conn, reason string)
	FrameReceived(deviceID string, size int)
	ViewerJoined(deviceID string)
	ViewerLeft(deviceID string, reason error)
	CommandFinished(p *PendingCommand)
	MessageDropped(deviceID string, err error)
}

// NopObserver ignores every event. Embed it to implement a subset.
type NopObserver struct{}

func (NopObserver) DeviceConnected(*Conn, bool)      {}
func (NopObserver) DeviceDisconnected(*Conn, string) {}
func (NopObserver) FrameReceived(string, int)        {}
func (NopObserver) ViewerJoined(string)              {}
func (NopObserver) ViewerLeft(string, error)         {}
func (NopObserver) CommandFinished(*PendingCommand)  {}
func (NopObserver) MessageDropped(string, error)     {}

// Observers fans each event out to several observers in order.
type Observers []Observer

func (o Observers) DeviceConnected(c *Conn, replaced bool) {
	for _, ob := range o {
		ob.DeviceConnected(c, replaced)
	}
}

func (o Observers) DeviceDisconnected(c *Conn, reason string) {
	for _, ob := range o {
		ob.DeviceDisconnected(c, reason)
	}
}

func (o Observers) FrameReceived(deviceID string, size int) {
	for _, ob := range o {
		ob.FrameReceived(deviceID, size)
	}
}

func (o Observers) ViewerJoined(deviceID string) {
	for _, ob := range o {
		ob.ViewerJoined(deviceID)
	}
}

func (o Observers) ViewerLeft(deviceID string, reason error) {
	for _, ob := range o {
		ob.ViewerLeft(deviceID, reason)
	}
}

func (o Observers) CommandFinished(p *PendingCommand) {
	for _, ob := range o {
		ob.CommandFinished(p)
	}
}

func (o Observers) MessageDropped(deviceID string, err error) {
	for _, ob := range o {
		ob.MessageDropped(deviceID, err)
	}
}

// StartQueue persists "start streaming" requests made while a device was
// offline so they can be delivered when it next connects.
type StartQueue interface {
	MarkPendingStart(ctx context.Context, deviceID string) error
	TakePendingStart(ctx context.Context, deviceID string) (bool, error)
}
