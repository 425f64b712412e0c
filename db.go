/* Copyright (c) 2018-2020 Waldemar Augustyn */

package main

import (
	"os"
	"path"
	"time"

	bolt "go.etcd.io/bbolt"
)

/* Persistent store and restore

The DB holds nat entries for restoration on start up, so a daemon restart
does not sever established flows. The restoration is performed directly
without locking before the forwarder starts. In contrast, storing entries is
accomplished by sending ops to the DB channel, the packet path never touches
the DB directly.

Counters are not persisted, restored entries start from zero.
*/

const (
	dbname  = "conns.db"
	connbkt = "conns" // flow key -> db_conn

	// db_conn layout
	DBC_KEY_LEN     = 13 // proto + local ip/port + remote ip/port
	DBC_STATIC      = 0
	DBC_GLOBAL_PORT = 1
	DBC_CREATED     = 3
	DBC_LAST_SEEN   = 11
	DBC_VAL_LEN     = 19
)

type DbOp struct {
	remove bool
	entry  *NatEntry
}

var db *bolt.DB  // current DB
var rdb *bolt.DB // restore DB
var dbchan chan DbOp

// Called from the tables with the table lock held, must not block.
func db_save_conn(e *NatEntry) {

	select {
	case dbchan <- DbOp{false, e}:
	default:
		log.err("db: channel full, conn not saved")
	}
}

// Called from the tables with the table lock held, must not block.
func db_remove_conn(e *NatEntry) {

	select {
	case dbchan <- DbOp{true, e}:
	default:
		log.err("db: channel full, conn not removed")
	}
}

func db_conn_key(e *NatEntry) []byte {

	key := make([]byte, DBC_KEY_LEN)
	key[0] = e.proto
	be.PutUint32(key[1:5], uint32(e.local_ip))
	be.PutUint16(key[5:7], e.local_port)
	be.PutUint32(key[7:11], uint32(e.remote_ip))
	be.PutUint16(key[11:13], e.remote_port)
	return key
}

func db_conn_val(e *NatEntry) []byte {

	val := make([]byte, DBC_VAL_LEN)
	if e.static {
		val[DBC_STATIC] = 1
	}
	be.PutUint16(val[DBC_GLOBAL_PORT:DBC_GLOBAL_PORT+2], e.global_port)
	be.PutUint64(val[DBC_CREATED:DBC_CREATED+8], uint64(e.created.Unix()))
	be.PutUint64(val[DBC_LAST_SEEN:DBC_LAST_SEEN+8], uint64(e.last_seen.Unix()))
	return val
}

func db_conn_decode(key, val []byte) *NatEntry {

	if len(key) != DBC_KEY_LEN || len(val) != DBC_VAL_LEN {
		return nil
	}
	return &NatEntry{
		proto:       key[0],
		static:      val[DBC_STATIC] != 0,
		local_ip:    IP32(be.Uint32(key[1:5])),
		local_port:  be.Uint16(key[5:7]),
		remote_ip:   IP32(be.Uint32(key[7:11])),
		remote_port: be.Uint16(key[11:13]),
		global_port: be.Uint16(val[DBC_GLOBAL_PORT : DBC_GLOBAL_PORT+2]),
		created:     time.Unix(int64(be.Uint64(val[DBC_CREATED:DBC_CREATED+8])), 0),
		last_seen:   time.Unix(int64(be.Uint64(val[DBC_LAST_SEEN:DBC_LAST_SEEN+8])), 0),
	}
}

// Re-insert saved entries into the tables. Entries idle past their table
// timeout are discarded, the rest are re-saved into the new DB.
func db_restore_conns() {

	if rdb == nil {
		return
	}

	restored := 0
	stale := 0

	rdb.View(func(tx *bolt.Tx) error {
		bkt := tx.Bucket([]byte(connbkt))
		if bkt == nil {
			return nil
		}
		log.info("db: restoring nat entries")
		bkt.ForEach(func(key, val []byte) error {

			e := db_conn_decode(key, val)
			if e == nil {
				log.err("db: corrupted conn record, discarding")
				return nil
			}
			nm := nat_table(e.proto)
			if nm == nil {
				log.err("db: conn record with unknown protocol %v, discarding", e.proto)
				return nil
			}
			if time.Since(e.last_seen) > nm.conns.TTL {
				stale++
				return nil
			}
			if !nm.restore(e) {
				log.err("db: conn record conflicts with live state, discarding")
				return nil
			}
			log.debug("db: restore conn: %v  %v:%v  %v:%v  global(%v)",
				nm.name, e.local_ip, e.local_port, e.remote_ip, e.remote_port, e.global_port)
			db_save_conn(e)
			restored++
			return nil
		})
		return nil
	})

	log.info("db: restored %v nat entries, discarded %v stale", restored, stale)
}

func db_listen() {

	for op := range dbchan {

		e := op.entry

		err := db.Update(func(tx *bolt.Tx) error {
			bkt, err := tx.CreateBucketIfNotExists([]byte(connbkt))
			if err != nil {
				return err
			}
			if op.remove {
				return bkt.Delete(db_conn_key(e))
			}
			return bkt.Put(db_conn_key(e), db_conn_val(e))
		})
		if err != nil {
			log.err("db: failed to update conn record: %v", err)
		}
	}
}

func stop_db_restore() {

	if rdb != nil {
		log.info("closing restore DB: %v", dbname+"~")
		rdb.Close()
		rdb = nil
	}
	rdbpath := path.Join(cli.datadir, dbname+"~")
	os.Remove(rdbpath)
}

func stop_db() {

	if db != nil {
		log.info("closing DB: %v", dbname)
		db.Close()
		db = nil
	}
	stop_db_restore()
}

func start_db() {

	var err error

	dbpath := path.Join(cli.datadir, dbname)
	rdbpath := dbpath + "~"

	log.info("opening DB: %v", dbname)

	if err := os.Rename(dbpath, rdbpath); err != nil {
		if os.IsNotExist(err) {
			rdb = nil
		} else {
			log.fatal("cannot rename %v: %v", dbname, err)
		}
	} else {
		rdb, err = bolt.Open(rdbpath, 0666, &bolt.Options{Timeout: 1 * time.Second})
		if err != nil {
			log.fatal("cannot open %v: %v", dbname+"~", err)
		}
	}

	os.MkdirAll(cli.datadir, 0775)
	db, err = bolt.Open(dbpath, 0664, &bolt.Options{Timeout: 1 * time.Second})
	if err != nil {
		log.fatal("cannot create %v: %v", dbname, err)
	}

	go db_listen()
}
