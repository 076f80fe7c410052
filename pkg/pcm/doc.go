// Package pcm describes raw PCM audio formats and the byte/duration math
// needed to size protocol chunks.
package pcm
