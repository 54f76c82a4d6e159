// ©Hayabusa Cloud Co., Ltd. 2026. All rights reserved.
// Use of this source code is governed by a MIT-style
// license that can be found in the LICENSE file.

package loopback

import (
	"net/netip"

	"code.hybscloud.com/lfq"
	"github.com/soypat/seqs"
)

// segment is one TCP segment in flight on the link.
type segment struct {
	src     netip.AddrPort
	dst     netip.AddrPort
	seq     seqs.Value
	ack     seqs.Value
	wnd     seqs.Size
	flags   seqs.Flags
	payload []byte
}

// len is the sequence space the segment occupies.
func (seg *segment) len() seqs.Size {
	n := seqs.Size(len(seg.payload))
	if seg.flags.HasAny(seqs.FlagSYN) {
		n++
	}
	if seg.flags.HasAny(seqs.FlagFIN) {
		n++
	}
	return n
}

// link is the ordered lossless wire between all connections of an engine.
// Producer and consumer both run under the engine lock.
type link struct {
	q        lfq.SPSC[segment]
	slot     segment
	n        int
	capacity int
}

func (l *link) init(capacity int) {
	l.q.Init(capacity)
	l.capacity = capacity
}

func (l *link) full() bool { return l.n >= l.capacity }

// push enqueues seg. It reports false when the link is full.
func (l *link) push(seg segment) bool {
	if l.full() {
		return false
	}
	l.slot = seg
	if l.q.Enqueue(&l.slot) != nil {
		return false
	}
	l.n++
	return true
}

// pop dequeues the oldest segment.
func (l *link) pop() (segment, bool) {
	seg, err := l.q.Dequeue()
	if err != nil {
		return segment{}, false
	}
	l.n--
	return seg, true
}
