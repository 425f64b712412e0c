/* Copyright (c) 2018-2020 Waldemar Augustyn */

package main

import (
	"crypto/rand"
	prng "math/rand" // we don't need crypto rng for time delays
	"time"
)

/* Expiry

Nat entries are refreshed on every packet and removed when idle past their
table timeout. Expiration is driven by a single fuzzed ticker rather than a
timer per entry. The tick period is deliberately uneven so that expiry never
aligns with other periodic activity on the host.
*/

const (
	TIMER_TICK = 16811 // [ms] avg  16.811 [s]
	TIMER_FUZZ = 7
)

func prng_init() {

	// init prng for non-critical random number use

	creep := make([]byte, 4)
	_, err := rand.Read(creep)
	if err != nil {
		log.fatal("timer: cannot seed pseudo random number generator")
	}
	prng.Seed(int64(be.Uint32(creep)))
}

func sleep(dly, fuzz int) {
	time.Sleep(time.Duration(dly-fuzz/2+prng.Intn(fuzz)) * time.Millisecond)
}

func timer_tick() {

	for {
		sleep(TIMER_TICK, TIMER_TICK/TIMER_FUZZ)

		for _, nm := range nat_tables() {

			evicted := nm.expire()

			if cli.ticks || evicted > 0 {
				log.debug("timer: %v tick: expired(%v) live(%v) ports(%v)",
					nm.name, evicted, nm.size(), nm.ports.inuse())
			}
		}
	}
}
