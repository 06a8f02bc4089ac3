package chatstore

import "time"

// SetBackoff replaces the retry backoff, so tests do not sleep for seconds.
func (s *Ingester) SetBackoff(f func(*time.Duration)) { s.backoff = f }

func (w *Writer) SetBackoff(f func(*time.Duration)) { w.backoff = f }

var Backoff = backoff
