// Command leecher downloads the single torrent named by its .torrent file
// argument: it discovers peers via the tracker, opens connections, and
// assembles the described payload on disk, verifying every piece against
// its SHA-1 hash before commit.
package main

import (
	"flag"
	"fmt"
	"log"
	"os"
	"path/filepath"
	"time"

	"BitTorrent/internal/listener"
	"BitTorrent/internal/logging"
	"BitTorrent/internal/metainfo"
	"BitTorrent/internal/orchestrator"
	"BitTorrent/internal/peerid"
	"BitTorrent/internal/store"
	"BitTorrent/internal/tracker"

	"github.com/schollz/progressbar/v3"
)

func main() {
	outDir := flag.String("out", ".", "directory the downloaded file is written into")
	listenPort := flag.Int("listen", 6881, "TCP port to accept inbound peer connections on")
	peerIDPrefix := flag.String("peer-id-prefix", peerid.DefaultPrefix, "Azureus-style peer id prefix")
	flag.Parse()

	if flag.NArg() < 1 {
		fmt.Fprintf(os.Stderr, "usage: %s [flags] <path-to-torrent-file>\n", os.Args[0])
		flag.PrintDefaults()
		os.Exit(1)
	}

	logger := logging.Default

	if err := run(flag.Arg(0), *outDir, uint16(*listenPort), *peerIDPrefix, logger); err != nil {
		logger.Errorf("%v", err)
		os.Exit(1)
	}
}

func run(torrentPath, outDir string, listenPort uint16, peerIDPrefix string, logger *logging.Logger) error {
	meta, err := metainfo.Load(torrentPath)
	if err != nil {
		return fmt.Errorf("loading torrent: %w", err)
	}

	ourPeerID, err := peerid.Generate(peerIDPrefix)
	if err != nil {
		return fmt.Errorf("generating peer id: %w", err)
	}

	logger.Infof("loaded %q: %d bytes, %d pieces, info hash %x", meta.Name, meta.Length, meta.NumPieces(), meta.InfoHash)

	outPath := filepath.Join(outDir, meta.Name)
	st, err := store.Open(meta, ourPeerID, outPath)
	if err != nil {
		return fmt.Errorf("opening output file: %w", err)
	}
	defer st.Close()

	lst, err := listener.Listen(fmt.Sprintf(":%d", listenPort), st, logger)
	if err != nil {
		return fmt.Errorf("starting inbound listener: %w", err)
	}
	defer lst.Close()
	go lst.Serve()

	announceLog := log.New(os.Stderr, "", log.LstdFlags)
	resp, err := tracker.Announce(meta, ourPeerID, listenPort, announceLog)
	if err != nil {
		return fmt.Errorf("announcing to tracker: %w", err)
	}

	logger.Infof("tracker returned %d peers, re-announce in %s", len(resp.Peers), resp.Interval)

	go refreshPeers(meta, ourPeerID, listenPort, st, announceLog, logger, resp.Interval)

	bar := newProgressBar(meta)
	go reportProgress(st, bar)

	orchestrator.Run(resp.Peers, st, logger)

	if !st.IsComplete() {
		return fmt.Errorf("download incomplete: no peers left and torrent not fully verified")
	}

	bar.Finish()
	logger.Infof("download of %q complete", meta.Name)
	return nil
}

// refreshPeers periodically re-announces to the tracker and spawns
// outbound sessions against every peer the tracker returns, generalizing
// the teacher's RefreshPeer loop. Peers that already have a session are
// not filtered out, so they are dialed again.
func refreshPeers(meta *metainfo.Metainfo, peerID [20]byte, port uint16, st *store.Store, announceLog *log.Logger, logger *logging.Logger, interval time.Duration) {
	if interval <= 0 {
		interval = 30 * time.Second
	}

	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-st.Done():
			return
		case <-ticker.C:
			resp, err := tracker.Announce(meta, peerID, port, announceLog)
			if err != nil {
				logger.Failf("refresh announce: %v", err)
				continue
			}
			go orchestrator.Run(resp.Peers, st, logger)
		}
	}
}

func newProgressBar(meta *metainfo.Metainfo) *progressbar.ProgressBar {
	return progressbar.NewOptions64(meta.Length,
		progressbar.OptionSetDescription(meta.Name),
		progressbar.OptionShowBytes(true),
		progressbar.OptionSetWidth(40),
		progressbar.OptionClearOnFinish(),
	)
}

// reportProgress polls the store's completion count and feeds it to the
// progress bar, since the store does not itself push progress events.
func reportProgress(st *store.Store, bar *progressbar.ProgressBar) {
	ticker := time.NewTicker(500 * time.Millisecond)
	defer ticker.Stop()

	var lastBytes int64

	for {
		select {
		case <-st.Done():
			return
		case <-ticker.C:
			completed := st.CompletedBytes()
			if completed > lastBytes {
				bar.Add64(completed - lastBytes)
				lastBytes = completed
			}
		}
	}
}
