// Package tracker implements the HTTP (and, as a supplementary feature,
// UDP) tracker client: it announces this client to the swarm's trackers
// and returns a peer list plus a re-announce interval. Tracker.Failure
// responses and unreachable trackers are non-fatal per tracker — the
// orchestrator only needs one tracker to answer.
package tracker

import (
	"encoding/binary"
	"fmt"
	"log"
	"math/rand"
	"net"
	"net/http"
	"net/url"
	"strconv"
	"time"

	"github.com/jackpal/bencode-go"

	"BitTorrent/internal/metainfo"
	"BitTorrent/internal/peerconn"
)

// Response is a tracker's announce reply, reduced to what the orchestrator
// needs: a peer list and a re-announce interval.
type Response struct {
	Peers    []peerconn.Addr
	Interval time.Duration
}

// rawHTTPResponse mirrors the bencoded dictionary an HTTP tracker returns.
// Peers is decoded straight from its bencode byte-string value — never via
// a length-prefix-up-to-the-first-colon heuristic, the ambiguity spec §9
// calls out and explicitly rejects.
type rawHTTPResponse struct {
	Failure  string `bencode:"failure reason"`
	Interval int    `bencode:"interval"`
	Peers    string `bencode:"peers"`
}

// Announce contacts every tracker named in meta (the primary announce URL
// plus any announce-list tiers), merges their peer lists, and returns the
// shortest reported interval. It requires at least one tracker to answer
// with at least one peer.
func Announce(meta *metainfo.Metainfo, peerID [20]byte, port uint16, log_ *log.Logger) (*Response, error) {
	trackers := uniqueTrackers(meta)
	if len(trackers) == 0 {
		return nil, fmt.Errorf("tracker: no announce URL in metainfo")
	}

	peerSet := make(map[string]peerconn.Addr)
	var interval time.Duration

	for _, announceURL := range trackers {
		var (
			resp *Response
			err  error
		)

		switch {
		case isUDP(announceURL):
			resp, err = announceUDP(announceURL, meta, peerID, port)
		case isHTTP(announceURL):
			resp, err = announceHTTP(announceURL, meta, peerID, port)
		default:
			continue
		}

		if err != nil {
			if log_ != nil {
				log_.Printf("[FAIL]\ttracker %s: %v", announceURL, err)
			}
			continue
		}

		for _, p := range resp.Peers {
			peerSet[p.String()] = p
		}

		if interval == 0 || resp.Interval < interval {
			interval = resp.Interval
		}
	}

	if len(peerSet) == 0 {
		return nil, fmt.Errorf("tracker: no peers received from any tracker")
	}

	peers := make([]peerconn.Addr, 0, len(peerSet))
	for _, p := range peerSet {
		peers = append(peers, p)
	}

	return &Response{Peers: peers, Interval: interval}, nil
}

func uniqueTrackers(meta *metainfo.Metainfo) []string {
	seen := make(map[string]struct{})
	var out []string

	add := func(u string) {
		if u == "" {
			return
		}
		if _, ok := seen[u]; ok {
			return
		}
		seen[u] = struct{}{}
		out = append(out, u)
	}

	add(meta.Announce)
	for _, tier := range meta.AnnounceList {
		for _, u := range tier {
			add(u)
		}
	}

	return out
}

func isHTTP(u string) bool {
	parsed, err := url.Parse(u)
	return err == nil && (parsed.Scheme == "http" || parsed.Scheme == "https")
}

func isUDP(u string) bool {
	parsed, err := url.Parse(u)
	return err == nil && parsed.Scheme == "udp"
}

func announceHTTP(announceURL string, meta *metainfo.Metainfo, peerID [20]byte, port uint16) (*Response, error) {
	u, err := url.Parse(announceURL)
	if err != nil {
		return nil, fmt.Errorf("parsing announce URL: %w", err)
	}

	params := url.Values{}
	params.Set("info_hash", string(meta.InfoHash[:]))
	params.Set("peer_id", string(peerID[:]))
	params.Set("port", strconv.Itoa(int(port)))
	params.Set("uploaded", "0")
	params.Set("downloaded", "0")
	params.Set("left", strconv.FormatInt(meta.Length, 10))
	params.Set("compact", "1")
	params.Set("event", "started")
	u.RawQuery = params.Encode()

	client := &http.Client{Timeout: 15 * time.Second}

	req, err := http.NewRequest(http.MethodGet, u.String(), nil)
	if err != nil {
		return nil, fmt.Errorf("building request: %w", err)
	}
	req.Header.Set("User-Agent", "BitTorrent/1.0")

	resp, err := client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("sending request: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("tracker responded with status %s", resp.Status)
	}

	var raw rawHTTPResponse
	if err := bencode.Unmarshal(resp.Body, &raw); err != nil {
		return nil, fmt.Errorf("decoding response: %w", err)
	}

	if raw.Failure != "" {
		return nil, fmt.Errorf("tracker failure: %s", raw.Failure)
	}

	peers, err := peerconn.ParseCompactPeers([]byte(raw.Peers))
	if err != nil {
		return nil, err
	}

	return &Response{Peers: peers, Interval: time.Duration(raw.Interval) * time.Second}, nil
}

// announceUDP speaks the UDP tracker protocol (BEP 15): connect, then
// announce. This is a supplementary feature beyond spec.md's scope (which
// treats "the tracker" only as an HTTP interface); kept because it costs
// the HTTP-only path nothing and lets this leecher reach swarms whose only
// working tracker is a UDP one.
func announceUDP(announceURL string, meta *metainfo.Metainfo, peerID [20]byte, port uint16) (*Response, error) {
	u, err := url.Parse(announceURL)
	if err != nil {
		return nil, fmt.Errorf("parsing announce URL: %w", err)
	}

	addr, err := net.ResolveUDPAddr("udp", u.Host)
	if err != nil {
		return nil, fmt.Errorf("resolving %s: %w", u.Host, err)
	}

	conn, err := net.DialUDP("udp", nil, addr)
	if err != nil {
		return nil, fmt.Errorf("dialing %s: %w", addr, err)
	}
	defer conn.Close()

	const protocolID = 0x41727101980
	transactionID := rand.Uint32()

	connectReq := make([]byte, 16)
	binary.BigEndian.PutUint64(connectReq[0:8], protocolID)
	binary.BigEndian.PutUint32(connectReq[8:12], 0) // connect action
	binary.BigEndian.PutUint32(connectReq[12:16], transactionID)

	conn.SetDeadline(time.Now().Add(10 * time.Second))
	if _, err := conn.Write(connectReq); err != nil {
		return nil, fmt.Errorf("sending connect: %w", err)
	}

	connectResp := make([]byte, 16)
	n, err := conn.Read(connectResp)
	if err != nil {
		return nil, fmt.Errorf("reading connect response: %w", err)
	}
	if n < 16 || binary.BigEndian.Uint32(connectResp[4:8]) != transactionID {
		return nil, fmt.Errorf("invalid connect response")
	}

	connectionID := binary.BigEndian.Uint64(connectResp[8:16])

	announceReq := make([]byte, 98)
	binary.BigEndian.PutUint64(announceReq[0:8], connectionID)
	binary.BigEndian.PutUint32(announceReq[8:12], 1) // announce action
	binary.BigEndian.PutUint32(announceReq[12:16], transactionID)
	copy(announceReq[16:36], meta.InfoHash[:])
	copy(announceReq[36:56], peerID[:])
	binary.BigEndian.PutUint64(announceReq[56:64], 0)                   // downloaded
	binary.BigEndian.PutUint64(announceReq[64:72], uint64(meta.Length)) // left
	binary.BigEndian.PutUint64(announceReq[72:80], 0)                   // uploaded
	binary.BigEndian.PutUint32(announceReq[80:84], 2)                   // event: started
	binary.BigEndian.PutUint32(announceReq[88:92], rand.Uint32())       // key
	binary.BigEndian.PutUint32(announceReq[92:96], ^uint32(0))          // num_want: -1
	binary.BigEndian.PutUint16(announceReq[96:98], port)

	conn.SetDeadline(time.Now().Add(10 * time.Second))
	if _, err := conn.Write(announceReq); err != nil {
		return nil, fmt.Errorf("sending announce: %w", err)
	}

	buf := make([]byte, 2048)
	n, err = conn.Read(buf)
	if err != nil {
		return nil, fmt.Errorf("reading announce response: %w", err)
	}
	if n < 20 {
		return nil, fmt.Errorf("announce response too short: %d bytes", n)
	}

	action := binary.BigEndian.Uint32(buf[0:4])
	if action == 3 {
		return nil, fmt.Errorf("tracker error: %s", buf[8:n])
	}
	if action != 1 || binary.BigEndian.Uint32(buf[4:8]) != transactionID {
		return nil, fmt.Errorf("invalid announce response")
	}

	interval := binary.BigEndian.Uint32(buf[8:12])
	peers, err := peerconn.ParseCompactPeers(buf[20:n])
	if err != nil {
		return nil, err
	}

	return &Response{Peers: peers, Interval: time.Duration(interval) * time.Second}, nil
}
