// Package fineline implements a write-optimized, per-object redo log engine
// for transactional data structures.
//
// Series: an AGILira fragment
// SPDX-License-Identifier: MPL-2.0

// Each logical object (a B-tree node, a hash bucket, a map shard) carries a
// durable, append-only redo log keyed by an (object id, sequence number)
// pair. Writers stage records in a private per-transaction log; at commit
// time, private logs are merged into shared log pages through a
// consolidation array under group commit, pages are closed on epoch
// boundaries, a background flusher persists them to append-only segment
// files, and a block index maps objects to the segments that contain their
// history so a reader can reconstruct any object by replaying its records.
//
// # Quick Start
//
//	sys, err := fineline.Open(fineline.Config{LogPath: "/var/lib/app/log"})
//	if err != nil {
//		log.Fatal(err)
//	}
//	defer sys.Close()
//
//	txn, err := sys.Begin(0) // workerID 0
//	if err != nil {
//		log.Fatal(err)
//	}
//	var logger fineline.ObjectLogger
//	objectID := sys.NextObjectID()
//	if err := logger.Initialize(txn, objectID, true); err != nil {
//		log.Fatal(err)
//	}
//	logger.Log(txn, fineline.RecInsert, []byte("key0"), []byte("value0"))
//	if err := txn.Commit(); err != nil {
//		log.Fatal(err)
//	}
//
// # Read path
//
//	scan := sys.Fetch(objectID)
//	for {
//		hdr, payload, ok := scan.Next()
//		if !ok {
//			break
//		}
//		// replay payload against the object
//		_ = hdr
//	}
//
// # Concurrency model
//
// fineline has no blocking writer path beyond the group-commit latch: many
// transactions can call Commit concurrently and only one, the elected group
// leader, acquires the commit buffer's latch per group. See CommitBuffer and
// ConsolidationArray for the admission-control algorithm, and EpochRing for
// how finished shared pages hand off to the background Flusher without
// copying.
package fineline
