// ABOUTME: Package divert mirrors controller output to a remote sink
// ABOUTME: Provides the MirrorStream diversion target and the receiving Sink
// Package divert sends the audio an output controller renders to another
// machine instead of (or as well as) a local device.
//
// A MirrorStream satisfies output.Stream, so it can be handed to
// Controller.StartDiverting:
//
//	mirror, err := divert.NewMirrorStream(params, divert.MirrorConfig{
//		URL:   "ws://kitchen.local:8928/mirror",
//		Codec: "opus",
//	})
//	if err != nil {
//		return err
//	}
//	ctrl.StartDiverting(mirror)
//
// On the receiving side a Sink decodes frames into a reader.Ring that a
// local controller plays:
//
//	ring := reader.NewRing(params.Channels, params.SampleRate)
//	http.Handle("/mirror", divert.NewSink(ring, params.SampleRate, divert.SinkConfig{}))
//
// The wire format is a JSON Hello text message followed by binary frames of
// [type:1][timestamp µs:8 big-endian][payload].
package divert
