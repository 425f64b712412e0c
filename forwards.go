/* Copyright (c) 2018-2021 Waldemar Augustyn */

package main

import (
	"bufio"
	"bytes"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"
)

const (
	DEBOUNCE = time.Duration(4765 * time.Millisecond) // [s] file event debounce time
)

/* Static port forwards

Rules admit unsolicited inbound flows. The file holds one rule per line:

    # proto  global-port  local-addr:local-port
    udp      5353         10.0.0.7:53
    tcp      8080         10.0.0.8:80

The file is watched for changes and reparsed after a debounce period, so a
series of rapid file events is reduced to a single parse. Rule global ports
are reserved in the allocators so dynamic flows cannot claim them. Live
connections admitted by a removed rule are left to idle out.
*/

type FwdKey struct {
	proto byte
	port  uint16 // global port
}

type FwdDest struct {
	ip   IP32
	port uint16
}

var fwds struct {
	mtx   sync.Mutex
	rules map[FwdKey]FwdDest
}

func fwds_lookup(proto byte, port uint16) (FwdDest, bool) {

	fwds.mtx.Lock()
	defer fwds.mtx.Unlock()

	dest, ok := fwds.rules[FwdKey{proto, port}]
	return dest, ok
}

func parse_forwards_file(fname string, input *bytes.Reader) map[FwdKey]FwdDest {

	rules := make(map[FwdKey]FwdDest) // use map to detect duplicate entries
	line_scanner := bufio.NewScanner(input)
	lno := 0

	for line_scanner.Scan() {

		lno += 1

		line := line_scanner.Text()
		if ix := strings.IndexByte(line, '#'); ix >= 0 {
			line = line[:ix]
		}
		toks := strings.Fields(line)
		if len(toks) == 0 {
			continue // empty or comment line
		}
		if len(toks) != 3 {
			log.err("fwds watcher: %v(%v): malformed rule: %v", fname, lno, strings.Join(toks, " "))
			continue
		}

		var proto byte
		switch strings.ToLower(toks[0]) {
		case "udp":
			proto = UDP
		case "tcp":
			proto = TCP
		default:
			log.err("fwds watcher: %v(%v): invalid protocol: %v", fname, lno, toks[0])
			continue
		}

		gport, err := strconv.ParseUint(toks[1], 10, 16)
		if err != nil || gport == 0 {
			log.err("fwds watcher: %v(%v): invalid global port: %v", fname, lno, toks[1])
			continue
		}

		addr, portstr, found := strings.Cut(toks[2], ":")
		if !found {
			log.err("fwds watcher: %v(%v): invalid destination: %v", fname, lno, toks[2])
			continue
		}
		ip, err := parse_ip32(addr)
		if err != nil {
			log.err("fwds watcher: %v(%v): invalid destination address: %v", fname, lno, addr)
			continue
		}
		if !cli.private_net.Contains(ip.addr()) {
			log.err("fwds watcher: %v(%v): destination outside private network: %v", fname, lno, addr)
			continue
		}
		lport, err := strconv.ParseUint(portstr, 10, 16)
		if err != nil || lport == 0 {
			log.err("fwds watcher: %v(%v): invalid destination port: %v", fname, lno, portstr)
			continue
		}

		key := FwdKey{proto, uint16(gport)}
		if _, dup := rules[key]; dup {
			log.err("fwds watcher: %v(%v): duplicate rule for %v port %v", fname, lno, toks[0], gport)
			continue
		}
		rules[key] = FwdDest{ip, uint16(lport)}

		log.debug("fwds watcher: %v %3d  %v  %v  %v:%v", fname, lno, toks[0], gport, ip, lport)
	}

	return rules
}

// Swap in a freshly parsed rule set. Reserve global ports of new rules,
// release ports of removed ones.
func install_forwards(rules map[FwdKey]FwdDest) {

	fwds.mtx.Lock()
	old := fwds.rules
	fwds.rules = rules
	fwds.mtx.Unlock()

	for key := range rules {
		if _, ok := old[key]; !ok {
			if !nat_table(key.proto).ports.reserve(key.port) {
				log.err("fwds watcher: global port %v already in dynamic use", key.port)
			}
		}
	}
	for key := range old {
		if _, ok := rules[key]; !ok {
			nat_table(key.proto).ports.release(key.port)
		}
	}
}

func parse_forwards(path string, timer *time.Timer) {

	fname := filepath.Base(path)

	for range timer.C {

		wholefile, err := os.ReadFile(path)
		if err != nil {
			log.err("fwds watcher: cannot read file %v: %v", fname, err)
			continue
		}
		log.debug("fwds watcher: parsing file: %v", fname)
		rules := parse_forwards_file(fname, bytes.NewReader(wholefile))
		log.info("fwds watcher: parsing file: %v: total number of rules: %v", fname, len(rules))

		install_forwards(rules)
	}
}

// watch the forwards file for changes
func fwds_watcher() {

	fwds.rules = make(map[FwdKey]FwdDest)

	if len(cli.forwards_path) == 0 {
		log.info("fwds watcher: nothing to watch, exiting")
		return
	}

	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		log.fatal("fwds watcher: cannot setup file watcher: %v", err)
	}

	path := cli.forwards_path
	fname := filepath.Base(path)
	timer := time.NewTimer(1) // parse immediately

	err = watcher.Add(path)
	if err != nil {
		log.fatal("fwds watcher: cannot watch file %v: %v", fname, err)
	}
	go parse_forwards(path, timer)
	log.info("fwds watcher: watching file: %v", fname)

	for {
		select {
		case event := <-watcher.Events:
			if event.Name != path {
				log.err("fwds watcher: unexpected event from file: %v", filepath.Base(event.Name))
				continue
			}
			log.debug("fwds watcher: file changed: %v %v", fname, event.Op)
			timer.Stop()
			if (event.Op & fsnotify.Remove) != 0 {
				// re-install watcher (no need to remove first)
				err = watcher.Add(path)
				if err != nil {
					log.fatal("fwds watcher: cannot re-watch file: %v", fname)
				}
			}
			timer.Reset(DEBOUNCE)
		case err := <-watcher.Errors:
			log.err("fwds watcher: file watch: %v", err)
		}
	}
}
