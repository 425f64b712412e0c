/* Copyright (c) 2018-2021 Waldemar Augustyn */

package main

import (
	"flag"
	"fmt"
	"net/netip"
	"os"
	"path/filepath"
	"strings"
	"time"
)

const (
	ddir = "/var/lib/natgw"
)

var cli struct { // no locks, once setup in cli, never modified thereafter
	debuglist     string
	devmode       bool
	ticks         bool
	trace         bool
	stamps        bool
	datadir       string
	global        string
	private       string
	forwards_path string
	sockname      string
	arp_ifc       string
	mtu           int
	maxbuf        int
	maxconns      int
	port_min      int
	port_max      int
	udp_tmo       int
	tcp_tmo       int
	icmp_tmo      int
	passthru      bool
	// derived
	debug        map[string]bool
	global_ip    IP32
	private_net  netip.Prefix
	udp_timeout  time.Duration
	tcp_timeout  time.Duration
	icmp_timeout time.Duration
	pktbuflen    int
	log_level    uint
}

func parse_cli() {

	flag.StringVar(&cli.debuglist, "debug", "", "enable debug in listed files, comma separated")
	flag.BoolVar(&cli.ticks, "ticks", false, "include timer ticks in debug")
	flag.BoolVar(&cli.trace, "trace", false, "enable packet trace")
	flag.BoolVar(&cli.devmode, "devmode", false, "development mode, no tun device, run with induced traffic")
	flag.BoolVar(&cli.stamps, "time-stamps", false, "print logs with time stamps")
	flag.StringVar(&cli.datadir, "data", ddir, "data directory")
	flag.StringVar(&cli.global, "global", "", "global IPv4 address representing translated flows")
	flag.StringVar(&cli.private, "private", "10.0.0.0/8", "private network translated by the gateway")
	flag.StringVar(&cli.forwards_path, "forwards", "", "static port forward rules file")
	flag.StringVar(&cli.sockname, "status-socket", "/run/natgw/status.sock", "path to status unix socket")
	flag.StringVar(&cli.arp_ifc, "proxy-arp", "", "answer arp for the global address on named interface")
	flag.IntVar(&cli.mtu, "mtu", 1500, "MTU of the virtual interface")
	flag.IntVar(&cli.maxbuf, "max-buffers", 64, "max number of packet buffers")
	flag.IntVar(&cli.maxconns, "max-conns", 4096, "max tracked connections per protocol")
	flag.IntVar(&cli.port_min, "port-min", 20000, "lowest global port to allocate")
	flag.IntVar(&cli.port_max, "port-max", 60000, "highest global port to allocate")
	flag.IntVar(&cli.udp_tmo, "udp-timeout", 120, "idle timeout for udp mappings [s]")
	flag.IntVar(&cli.tcp_tmo, "tcp-timeout", 7440, "idle timeout for tcp mappings [s]")
	flag.IntVar(&cli.icmp_tmo, "icmp-timeout", 30, "idle timeout for icmp echo mappings [s]")
	flag.BoolVar(&cli.passthru, "passthru", false, "forward packets with unsupported protocols untranslated")
	flag.Usage = func() {
		toks := strings.Split(os.Args[0], "/")
		prog := toks[len(toks)-1]
		fmt.Println("User space NAT44 gateway. It translates traffic between a private network")
		fmt.Println("and a single global address, rewriting headers in place.")
		fmt.Println("")
		fmt.Println("   ", prog, "[FLAGS]")
		fmt.Println("")
		flag.PrintDefaults()
	}
	flag.Parse()

	var err error

	// initialize logger

	cli.debug = make(map[string]bool)

	for _, fname := range strings.Split(cli.debuglist, ",") {

		if len(fname) == 0 {
			continue
		}
		bix := 0
		eix := len(fname)
		if ix := strings.LastIndex(fname, "/"); ix >= 0 {
			bix = ix + 1
		}
		if ix := strings.LastIndex(fname, "."); ix >= 0 {
			eix = ix
		}
		cli.debug[fname[bix:eix]] = true
	}

	if cli.trace {
		cli.log_level = TRACE
	} else {
		cli.log_level = INFO
	}

	log.set(cli.log_level, cli.stamps)

	// parse global address

	if cli.devmode && cli.global == "" {
		cli.global = "198.51.100.1"
	}
	if cli.global == "" {
		log.fatal("missing global IP address (try -global)")
	}
	cli.global_ip, err = parse_ip32(cli.global)
	if err != nil {
		log.fatal("invalid global IP address: %v", cli.global)
	}
	if !cli.global_ip.addr().IsGlobalUnicast() {
		log.fatal("global IP address is not a valid unicast address: %v", cli.global)
	}

	// parse private net

	cli.private_net, err = netip.ParsePrefix(cli.private)
	if err != nil {
		log.fatal("invalid private network: %v", cli.private)
	}
	cli.private_net = cli.private_net.Masked()
	if !cli.private_net.Addr().Is4() {
		log.fatal("private network is not IPv4: %v", cli.private)
	}
	if cli.private_net.Contains(cli.global_ip.addr()) {
		log.fatal("global IP address inside private network: %v %v", cli.global, cli.private)
	}

	// validate port range

	if cli.port_min < 1 || cli.port_min > 0xffff {
		log.fatal("invalid port-min: %v", cli.port_min)
	}
	if cli.port_max < 1 || cli.port_max > 0xffff {
		log.fatal("invalid port-max: %v", cli.port_max)
	}
	if cli.port_min >= cli.port_max {
		log.fatal("invalid port range: %v-%v", cli.port_min, cli.port_max)
	}

	// timeouts

	if cli.udp_tmo < 1 || cli.tcp_tmo < 1 || cli.icmp_tmo < 1 {
		log.fatal("invalid idle timeout")
	}
	cli.udp_timeout = time.Duration(cli.udp_tmo) * time.Second
	cli.tcp_timeout = time.Duration(cli.tcp_tmo) * time.Second
	cli.icmp_timeout = time.Duration(cli.icmp_tmo) * time.Second

	// packet buffers

	if cli.mtu < 576 || cli.mtu >= 0xffff {
		log.fatal("invalid mtu: %v", cli.mtu)
	}
	cli.pktbuflen = PKT_HEADROOM + cli.mtu + 8
	cli.pktbuflen += 7
	cli.pktbuflen &^= 7

	if cli.maxconns < 16 {
		cli.maxconns = 16
	}

	// validate file paths

	cli.datadir = absolute("data directory path", cli.datadir)
	cli.sockname = absolute("socket path", cli.sockname)
	if cli.forwards_path != "" {
		cli.forwards_path = absolute("forwards file path", cli.forwards_path)
	}

	// validate maxbuf

	if cli.maxbuf < 16 {
		cli.maxbuf = 16
	}
	if cli.maxbuf > 1024 {
		cli.maxbuf = 1024
	}
}

func absolute(desc, path string) string {

	if len(path) == 0 {
		log.fatal("missing %v", desc)
	}

	apath, err := filepath.Abs(path)
	if err != nil {
		log.fatal("invalid %v: %v: %v", desc, path, err)
	}
	return apath
}
