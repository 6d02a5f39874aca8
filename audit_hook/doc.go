// Package audithook is a jobq extension that turns lifecycle events into
// audit records: who enqueued what, which jobs died and why, which dead
// jobs an operator replayed or purged.
//
// Records go through the [Recorder] interface. SlogRecorder writes them to
// a structured logger; anything else (an audit table, an external trail)
// plugs in with a [RecorderFunc].
//
//	eng, _ := engine.New(b, engine.WithExtension(
//	    audithook.New(audithook.SlogRecorder(logger),
//	        audithook.WithActions(audithook.ActionJobDead, audithook.ActionJobReplayed),
//	    ),
//	))
package audithook
