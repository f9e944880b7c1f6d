// Package tamperlog writes encrypted, hash-chained, tamper-evident logs.
//
// A SecureLogger appends messages to a primary log file. Each message is
// encrypted under a per-log content key and folded into a running hash, so
// changing, removing or reordering any record breaks the chain. When a
// session ends, CloseLog signs the chain state and writes the signed
// checkpoint twice: as the last record of the primary file and to a trusted
// reference held elsewhere. Open replays the whole log and compares it with
// the trusted reference before any further append.
//
// Trusted reference backends:
//
//  1. DirReference (reference.go) - DEFAULT
//     - One append-only file per log in a separate directory
//     - File locking for concurrent writers
//     - Best for: a trusted directory on another mount or owner
//
//  2. SQLiteReference (reference_sqlite.go)
//     - Append-only table, triggers reject UPDATE and DELETE
//     - WAL mode, synchronous=FULL
//     - Best for: keeping many logs' checkpoints in one place
//
//  3. HTTPReference (reference_http.go) + ReferenceServer (server.go)
//     - Checkpoints travel as protobuf over HTTP(S)
//     - The server rejects checkpoints that rewind a log's history
//     - Best for: a trusted host the writer cannot log in to
//
// Usage:
//
//	keys, err := tamperlog.NewKeyMaterial(signing, encrypting, viewers, 0)
//	if err != nil {
//	    log.Fatal(err)
//	}
//	l, err := tamperlog.Open(tamperlog.Options{
//	    Name:       "audit",
//	    LogDir:     "/var/log/secure",
//	    TrustedDir: "/srv/trusted",
//	    Keys:       keys,
//	})
//	if err != nil {
//	    log.Fatal(err) // ErrTamperDetected, ErrAccessDenied, ErrLogLocked...
//	}
//	l.LogMessage([]byte("event 1"))
//	l.CloseLog()
//
// File format (primary log):
//
//	┌──────────────────────────────────────────────┐
//	│ [8 bytes] magic "TMPRLOG\x01"                │
//	│ [4 bytes] header length (uint32 big-endian)  │
//	│ [n bytes] header (protobuf wire format)      │
//	│   1 version, 2 log id, 3 hash, 4 cipher,     │
//	│   5 created, 6 envelope (repeated)           │
//	├──────────────────────────────────────────────┤
//	│ Record 1                                     │
//	│ [4 bytes] frame length                       │
//	│ [1 byte]  version                            │
//	│ [8 bytes] sequence                           │
//	│ [8 bytes] timestamp (unix nanos)             │
//	│ [4 bytes] ciphertext length                  │
//	│ [n bytes] nonce || AEAD ciphertext           │
//	│ [1 byte]  chain hash length                  │
//	│ [n bytes] chain hash                         │
//	│ [1 byte]  signature flag                     │
//	│ [2 bytes] signature length (flag = 1)        │
//	│ [n bytes] signature                          │
//	├──────────────────────────────────────────────┤
//	│ Record 2 ...                                 │
//	└──────────────────────────────────────────────┘
//
// Chain:
//
//	runningHash_0 = H("tamperlog/chain/v1" || header)
//	runningHash_n = H(runningHash_{n-1} || record_n without hash and signature)
//
// Checkpoint records carry no payload, repeat the last message sequence and
// leave the chain unchanged.
package tamperlog
