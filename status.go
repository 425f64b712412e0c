/* Copyright (c) 2018-2021 Waldemar Augustyn */

package main

import (
	"fmt"
	"net"
	"os"
	"path"
	"strings"
	"time"
)

/* Status socket

A connection to the status socket gets a text dump of the live tables and the
connection is closed. The format is for humans and for scripts alike:

    udp   10.0.0.5:4000   8.8.8.8:53   global(51000)  age(32s)  idle(2s)  out(14/1288)  in(14/3410)
*/

func status_dump(conn net.Conn) {

	defer conn.Close()

	var sb strings.Builder
	now := time.Now()

	for _, nm := range nat_tables() {

		fmt.Fprintf(&sb, "%v  conns(%v)  ports(%v)\n", nm.name, nm.size(), nm.ports.inuse())

		nm.each(func(e *NatEntry) {

			flags := ""
			if e.static {
				flags = "  static"
			}
			fmt.Fprintf(&sb, "  %v  %v:%v  %v:%v  global(%v)  age(%v)  idle(%v)  out(%v/%v)  in(%v/%v)%v\n",
				nm.name,
				e.local_ip, e.local_port,
				e.remote_ip, e.remote_port,
				e.global_port,
				now.Sub(e.created).Round(time.Second),
				now.Sub(e.last_seen).Round(time.Second),
				e.pkts_out, e.bytes_out,
				e.pkts_in, e.bytes_in,
				flags)
		})
	}

	if _, err := conn.Write([]byte(sb.String())); err != nil {
		log.err("status: write error: %v", err)
	}
}

func status_server() {

	log.info("status: opening socket: %v", cli.sockname)

	os.MkdirAll(path.Dir(cli.sockname), 0775)
	os.Remove(cli.sockname)
	listener, err := net.ListenUnix("unix", &net.UnixAddr{Name: cli.sockname, Net: "unix"})
	if err != nil {
		goexit <- err.Error()
		return
	}
	os.Chmod(cli.sockname, 0660)

	for {
		conn, err := listener.AcceptUnix()
		if err != nil {
			log.err("status: connection accept error: %v, ignoring", err)
			continue
		}
		go status_dump(conn)
	}
}
