package manet

import (
	"bufio"
	"fmt"
	"os"
	"time"

	"github.com/google/gopacket"
	"github.com/google/gopacket/layers"
	"github.com/google/gopacket/pcapgo"
)

const pcapSnapLen = 65535

// PcapFile writes 802.11 frames, without radiotap, in libpcap format
type PcapFile struct {
	fd *os.File
	w  *bufio.Writer
	pw *pcapgo.Writer

	Frames int
}

// NewPcapFile creates the file and writes the global header
func NewPcapFile(filename string) (*PcapFile, error) {
	fd, err := os.Create(filename)
	if err != nil {
		return nil, fmt.Errorf("creating pcap: %w", err)
	}
	pf := &PcapFile{fd: fd, w: bufio.NewWriter(fd)}
	pf.pw = pcapgo.NewWriter(pf.w)
	if err := pf.pw.WriteFileHeader(pcapSnapLen, layers.LinkTypeIEEE802_11); err != nil {
		_ = fd.Close()
		return nil, fmt.Errorf("writing pcap header: %w", err)
	}
	return pf, nil
}

// AppendFrame writes one record stamped with 'ustime' microseconds
func (pf *PcapFile) AppendFrame(ustime uint64, data []byte) error {
	ci := gopacket.CaptureInfo{
		Timestamp:     time.Unix(int64(ustime/1000000), int64(ustime%1000000)*1000),
		CaptureLength: min(len(data), pcapSnapLen),
		Length:        len(data),
	}
	if err := pf.pw.WritePacket(ci, data[:ci.CaptureLength]); err != nil {
		return err
	}
	pf.Frames += 1
	return nil
}

// Close flushes and closes the file
func (pf *PcapFile) Close() error {
	if err := pf.w.Flush(); err != nil {
		_ = pf.fd.Close()
		return err
	}
	return pf.fd.Close()
}

// pcapFileName is the per-device name <prefix>-<node>-<device>.pcap
func pcapFileName(prefix string, nodeID, devID int) string {
	return fmt.Sprintf("%s-%d-%d.pcap", prefix, nodeID, devID)
}
