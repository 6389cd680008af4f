package protocol

// This package implements the serialising and parsing of payloads for the
// protocol that kvlink uses to talk to its upstream key/value store. The
// protocol is RESP2, the request/reply framing spoken by Redis and friends.
//
// This implementation aims to be
//
// - binary safe
// - incremental, a reply can be parsed from whatever bytes have arrived so far
// - allocation light on the hot path
//
// - `Command` - A client instruction to the store, always an array of bulk strings.
// - `Value`   - A decoded reply from the store.
//
// === General Syntax
//
// - lines are `\r\n` delimited
// - the first byte of every value is its type marker
// - bulk strings are length prefixed, their payload is never scanned for delimiters
//
// === Requests
//
//   ```
//     *<argCount>\r\n
//     $<byteLength>\r\n<bytes>\r\n     (once per argument)
//   ```
//
// For example, SET k v is
//
//   ```
//     *3\r\n$3\r\nSET\r\n$1\r\nk\r\n$1\r\nv\r\n
//   ```
//
// === Replies
//
//  | Marker | Meaning        | Body                                               |
//  |--------|----------------|----------------------------------------------------|
//  | `+`    | simple string  | text up to `\r\n`                                  |
//  | `-`    | error          | text up to `\r\n`                                  |
//  | `:`    | integer        | signed decimal up to `\r\n`                        |
//  | `$`    | bulk string    | length, `\r\n`, payload, `\r\n`. `$-1` is null     |
//  | `*`    | array          | count, `\r\n`, then count values. `*-1` is null    |
//
// Arrays nest. A null bulk string or null array is a distinct value from the
// empty string `$0\r\n\r\n` and the empty array `*0\r\n`.
//
// === Incremental parsing
//
// Replies arrive in whatever chunks the socket hands us. Parse never blocks and
// never consumes a partial value: if the buffer holds only part of a value,
// however deeply nested, it returns ErrIncomplete and the caller retries with
// the same offset once more bytes have been appended.
