// Package base decodes the Broadcast Audio Source Endpoint (BASE) structure
// carried in periodic advertising service data.
//
// The BASE is a three-level tree: level 1 holds the presentation delay and
// the subgroup count, level 2 describes each subgroup (codec ID, codec
// configuration, content metadata, BIS count), level 3 holds one entry per
// BIS with its index and optional codec configuration override.
package base

import (
	"errors"
	"fmt"
)

const (
	presentationDelayLength = 3
	codecIDLength           = 5

	// UnsetBISIndex marks a level-3 entry whose BIS index was never read.
	UnsetBISIndex = 0xFF
)

// ErrTruncated reports a declared length field exceeding the remaining
// buffer. The whole parse is aborted; there are no partial results.
var ErrTruncated = errors.New("base: truncated structure")

// Subgroup is one level-2 node of the BASE tree.
type Subgroup struct {
	Index       int
	CodecID     [codecIDLength]byte
	CodecConfig []byte
	Metadata    []byte
	NumBIS      int
}

// BISEntry is one level-3 node. SubgroupID is assigned during consolidation
// and identifies the owning subgroup.
type BISEntry struct {
	Index       byte
	CodecConfig []byte
	SubgroupID  int
}

// Data is a fully parsed BASE structure.
type Data struct {
	PresentationDelay [presentationDelayLength]byte
	Subgroups         []Subgroup
	BISEntries        []BISEntry

	// NumBISIndices is the sum of all subgroups' declared BIS counts and
	// always equals len(BISEntries).
	NumBISIndices int
}

// NumSubgroups returns the level-1 subgroup count.
func (d *Data) NumSubgroups() int {
	return len(d.Subgroups)
}

// SubgroupMetadata returns the content metadata bytes of subgroup i, or nil
// if i is out of range.
func (d *Data) SubgroupMetadata(i int) []byte {
	if i < 0 || i >= len(d.Subgroups) {
		return nil
	}
	return d.Subgroups[i].Metadata
}

// Parse decodes a BASE structure from raw service data. Any declared length
// exceeding the remaining buffer aborts the parse with ErrTruncated; the
// caller discards the announcement.
func Parse(serviceData []byte) (*Data, error) {
	if len(serviceData) < presentationDelayLength+1 {
		return nil, fmt.Errorf("%w: level 1 needs %d bytes, have %d",
			ErrTruncated, presentationDelayLength+1, len(serviceData))
	}

	d := &Data{}
	r := reader{buf: serviceData}

	copy(d.PresentationDelay[:], r.take(presentationDelayLength))
	numSubgroups := int(r.byte())

	for i := 0; i < numSubgroups; i++ {
		sg, err := parseSubgroup(&r, i)
		if err != nil {
			return nil, err
		}
		d.NumBISIndices += sg.NumBIS
		d.Subgroups = append(d.Subgroups, sg)

		for k := 0; k < sg.NumBIS; k++ {
			entry, err := parseBISEntry(&r)
			if err != nil {
				return nil, err
			}
			d.BISEntries = append(d.BISEntries, entry)
		}
	}

	consolidate(d)
	return d, nil
}

// parseSubgroup reads one level-2 node: BIS count, codec ID, then the
// length-prefixed codec configuration and content metadata.
func parseSubgroup(r *reader, index int) (Subgroup, error) {
	sg := Subgroup{Index: index}

	// numBIS(1) + codecID(5) + codecCfgLen(1) + metadataLen(1)
	if r.remaining() < codecIDLength+3 {
		return sg, fmt.Errorf("%w: subgroup %d header", ErrTruncated, index)
	}

	sg.NumBIS = int(r.byte())
	copy(sg.CodecID[:], r.take(codecIDLength))

	cfgLen := int(r.byte())
	if cfgLen > r.remaining() {
		return sg, fmt.Errorf("%w: subgroup %d codec config (declared %d, remaining %d)",
			ErrTruncated, index, cfgLen, r.remaining())
	}
	sg.CodecConfig = r.take(cfgLen)

	if r.remaining() < 1 {
		return sg, fmt.Errorf("%w: subgroup %d metadata length", ErrTruncated, index)
	}
	metaLen := int(r.byte())
	if metaLen > r.remaining() {
		return sg, fmt.Errorf("%w: subgroup %d metadata (declared %d, remaining %d)",
			ErrTruncated, index, metaLen, r.remaining())
	}
	sg.Metadata = r.take(metaLen)

	return sg, nil
}

// parseBISEntry reads one level-3 node: BIS index and the length-prefixed
// codec configuration override.
func parseBISEntry(r *reader) (BISEntry, error) {
	entry := BISEntry{Index: UnsetBISIndex}

	// bisIndex(1) + codecCfgLen(1)
	if r.remaining() < 2 {
		return entry, fmt.Errorf("%w: BIS entry header", ErrTruncated)
	}
	entry.Index = r.byte()

	cfgLen := int(r.byte())
	if cfgLen > r.remaining() {
		return entry, fmt.Errorf("%w: BIS entry codec config (declared %d, remaining %d)",
			ErrTruncated, cfgLen, r.remaining())
	}
	entry.CodecConfig = r.take(cfgLen)

	return entry, nil
}

// consolidate assigns each level-3 entry its owning subgroup: subgroup i's
// BIS entries start at the sum of BIS counts of subgroups 0..i-1.
func consolidate(d *Data) {
	start := 0
	for i := range d.Subgroups {
		n := d.Subgroups[i].NumBIS
		for k := start; k < start+n && k < len(d.BISEntries); k++ {
			d.BISEntries[k].SubgroupID = d.Subgroups[i].Index
		}
		start += n
	}
}

// reader is a bounds-tracked cursor over the service data. Callers must
// check remaining() before byte()/take().
type reader struct {
	buf    []byte
	offset int
}

func (r *reader) remaining() int {
	return len(r.buf) - r.offset
}

func (r *reader) byte() byte {
	b := r.buf[r.offset]
	r.offset++
	return b
}

func (r *reader) take(n int) []byte {
	out := make([]byte, n)
	copy(out, r.buf[r.offset:r.offset+n])
	r.offset += n
	return out
}
