// ABOUTME: Audio output package for platform playback streams
// ABOUTME: Defines the Stream/Callback/Registry contracts and their backends
// Package output provides pull-model audio output streams.
//
// A Stream is opened on a device and, once started, repeatedly asks its
// Callback for audio on the platform's real-time thread. Manager creates
// streams for the selected backend (malgo by default, oto, or PortAudio with
// the portaudio build tag) and notifies listeners when devices change.
//
// Example:
//
//	mgr, err := output.NewManager(output.BackendMalgo)
//	stream, err := mgr.MakeOutputStream(audio.DefaultParams(), output.DefaultDeviceID, "")
//	err = stream.Open()
//	err = stream.Start(cb)
package output
