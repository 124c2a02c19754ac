// Package kdbus implements the message and metadata layer of kdbus,
// the in-kernel DBus message bus.
//
// A kdbus message is a fixed [Header] followed by an item stream
// (see package [github.com/danderson/kdbus/item]). Items carry the
// payload (memory ranges, memfds, file descriptors) and the
// addressing details (a bloom filter for broadcasts, a well-known
// destination name).
//
// [NewMessage] copies a message out of an untrusted sender's buffer
// and validates it: sizes, duplicate items, item types that do not
// fit the destination, bloom filter geometry, name syntax, reply
// flags and sender identity. The result is a [Message] ready for
// delivery, or an [Error] naming the first problem found.
//
// [Metadata] describes the process behind a connection, as a second
// item stream: credentials, names, executable, command line,
// capabilities, control group, audit identity and security label.
// Process facts come from a [Source]. [ProcSource] reads them from
// procfs. Metadata categories are collected once, on first request,
// and cached for the lifetime of the metadata.
//
// [Builder] produces messages in wire format, for clients and tests.
package kdbus
