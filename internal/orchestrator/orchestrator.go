// Package orchestrator implements spec §4.6: given a tracker-returned peer
// list, it spawns one outbound session per peer against the shared store
// and joins them, exiting once the store reports complete or every
// session has terminated.
package orchestrator

import (
	"sync"

	"BitTorrent/internal/logging"
	"BitTorrent/internal/peerconn"
	"BitTorrent/internal/session"
	"BitTorrent/internal/store"
)

// maxConcurrentDials bounds how many outbound sessions (dial plus run) are
// active at once, matching the teacher's ConnectToPeers semaphore of 10.
const maxConcurrentDials = 10

// Run spawns one session per peer and blocks until the store reports the
// torrent complete or every spawned session has exited, whichever comes
// first.
func Run(peers []peerconn.Addr, st *store.Store, log *logging.Logger) {
	var wg sync.WaitGroup
	sem := make(chan struct{}, maxConcurrentDials)

	allDone := make(chan struct{})

spawn:
	for _, addr := range peers {
		select {
		case sem <- struct{}{}:
		case <-st.Done():
			break spawn
		}
		wg.Add(1)

		go func(addr peerconn.Addr) {
			defer func() {
				<-sem
				wg.Done()
			}()

			sess, err := session.Dial(addr, st, log)
			if err != nil {
				log.Failf("orchestrator: peer %s: %v", addr, err)
				return
			}

			_ = sess.Run()
		}(addr)
	}

	go func() {
		wg.Wait()
		close(allDone)
	}()

	select {
	case <-st.Done():
	case <-allDone:
	}
}
