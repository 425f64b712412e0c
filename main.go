/* Copyright (c) 2018-2020 Waldemar Augustyn */

package main

import (
	"fmt"
	"os"
	"os/exec"
	"os/signal"
	"strconv"
	"strings"
	"syscall"
)

var goexit chan (string)

func shell(cmdline string, args ...interface{}) (string, string, int) {

	ret := 0
	cmd := fmt.Sprintf(cmdline, args...)
	runcmd := exec.Command("/bin/sh", "-c", cmd)
	runcmd.Dir = "/"
	out, err := runcmd.CombinedOutput()

	// find out exit code which should be non-negative
	if err != nil {
		toks := strings.Fields(err.Error())
		if len(toks) == 3 && toks[0] == "exit" && toks[1] == "status" {
			res, err := strconv.ParseInt(toks[2], 0, 0)
			if err == nil {
				ret = int(res)
			} else {
				ret = -1
			}
		} else {
			ret = -1 // some other error, not an exit code
		}
	}
	return cmd, strings.TrimSpace(string(out)), ret
}

func catch_signals() {

	sigchan := make(chan os.Signal, 1)
	signal.Notify(sigchan, syscall.SIGINT, syscall.SIGTERM)

	sig := <-sigchan

	signal.Stop(sigchan)
	goexit <- "signal(" + sig.String() + ")"
}

func main() {

	parse_cli() // also initializes log

	log.info("START nat gateway")

	goexit = make(chan string)
	go catch_signals()

	prng_init()

	getbuf = make(chan *PktBuf, 1)
	retbuf = make(chan *PktBuf, cli.maxbuf)
	dbchan = make(chan DbOp, cli.maxconns)

	go pkt_buffers()

	nat_init()

	start_db()
	db_restore_conns()
	stop_db_restore()

	icmpreq = make(chan *PktBuf, PKTQLEN)

	recv_tun = make(chan *PktBuf, PKTQLEN)
	send_tun = make(chan *PktBuf, PKTQLEN)

	go fwds_watcher()

	go icmp_gen()

	go fwd()

	start_tun()

	if cli.devmode {
		start_inducer()
	}

	if len(cli.arp_ifc) != 0 && !cli.devmode {
		go arp_responder()
	}

	go timer_tick()

	go status_server()

	msg := <-goexit
	stop_db()
	log.info("STOP nat gateway: %v", msg)
}
