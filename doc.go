// Package baudsim paces a byte stream so that it arrives as if it came over
// a slow, fixed-rate serial line such as a modem or a legacy terminal.
//
// It is meant for testing how software behaves when its input trickles in
// at a few hundred or thousand bits per second.
//
// Features:
//   - Byte-at-a-time forwarding, flushed before any delay is applied
//   - Rate budget of ten bit-times per byte (8N1 framing)
//   - Idle gaps longer than 100ms restart the accounting window, so a pause
//     in typing does not buy a burst or cause a stall afterwards
//   - Sleep-based throttling in 1ms steps, no busy-waiting
//   - Injectable Clock for deterministic tests
//   - Raw tty and pseudo-terminal sinks
//
// This package does **not** support Windows.
//
// Example usage:
//
//	p, err := baudsim.New(os.Stdout, baudsim.Config{BaudRate: 2400})
//	if err != nil {
//	    log.Fatal(err)
//	}
//	if err := p.Run(os.Stdin); err != nil {
//	    log.Fatal(err)
//	}
//	p.Close() // writes "baudsim terminates."
//
// To feed a program that reads from a terminal, pace into a PTY instead:
//
//	t, err := baudsim.OpenPTY()
//	if err != nil {
//	    log.Fatal(err)
//	}
//	defer t.Close()
//	fmt.Println("attach to", t.Name())
//	p, _ := baudsim.New(t, baudsim.Config{BaudRate: 1200})
package baudsim
