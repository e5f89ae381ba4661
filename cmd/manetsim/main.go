// Command manetsim runs the DSDV and OLSR mobile ad-hoc network scenarios.
package main

import "github.com/tebeka/atexit"

func main() {
	if err := newRootCmd().Execute(); err != nil {
		atexit.Exit(1)
	}
	atexit.Exit(0)
}
