// Package item provides the low-level codec for kdbus item streams.
//
// An item stream is a flat run of self-describing records packed
// back to back inside a parent buffer. Each record starts with a
// 16-byte header holding its size (header included) and its type,
// followed by a payload. Records start on 8-byte boundaries: the
// record after one of size N begins Align8(N) bytes later.
//
// The [Decoder] walks a stream and rejects anything that does not
// tile the parent buffer exactly. The [Encoder] builds a stream in a
// growable buffer.
//
// Neither type knows what any item type means. That is the job of
// the kdbus package.
package item
