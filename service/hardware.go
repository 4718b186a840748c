package service

// Stimulator is the hardware collaborator that turns pulse descriptions into
// physical output. Calls are synchronous and expected to complete well under
// one pulse period. Once the stream is running the worker goroutine is the
// only caller; the control side never touches the device directly.
type Stimulator interface {
	SetChannel(channel int) error
	SetAmplitude(amplitude float64) error
	Trigger() error
	ZeroAll() error
}
