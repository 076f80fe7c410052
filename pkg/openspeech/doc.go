// Package openspeech implements a streaming ASR client for the ByteDance
// openspeech v2 API over its binary-framed websocket protocol.
//
// # Protocol
//
// Every message is a frame: a 4-byte header (version, header size, message
// type, flags, serialization, compression packed in nibbles) plus optional
// extension bytes, followed by a type-specific payload. The handshake is a
// gzip-compressed JSON envelope framed as a full client request; audio goes
// out as gzip-compressed PCM chunks framed as audio-only requests, with the
// terminal chunk carrying the negative-sequence flag so the backend
// finalizes recognition.
//
// # Usage
//
//	session, err := openspeech.NewStreamSession(&openspeech.Config{
//	    AppID:   appID,
//	    Token:   token,
//	    Cluster: cluster,
//	})
//	if err != nil {
//	    return err
//	}
//	if err := session.Start(ctx); err != nil {
//	    return err
//	}
//	defer session.Close()
//
//	go func() {
//	    for frame := range micFrames {
//	        session.WriteFrame(frame)
//	    }
//	}()
//
//	for ev := range session.Events() {
//	    switch ev.Type {
//	    case openspeech.EventResult:
//	        fmt.Println(ev.Transcript.Text, ev.Transcript.IsFinal)
//	    case openspeech.EventError:
//	        log.Println(ev.Err)
//	    }
//	}
//
// Transport failures and backend errors are handled by an internal
// reconnect loop with a fixed backoff and a fresh reqid per attempt;
// consumers only see typed events. Duplicate partial hypotheses are
// suppressed before dispatch.
package openspeech
