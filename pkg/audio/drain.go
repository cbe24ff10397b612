package audio

// Drain reads from ch until the channel is closed, discarding all values.
// Call it after closing a producer that owns ch (a remote session's event
// stream, for example) to wait until the producer goroutine has exited.
func Drain[T any](ch <-chan T) {
	for range ch {
	}
}
