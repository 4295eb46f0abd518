package flash

import (
	"fmt"
	"sort"

	"github.com/OpenTraceLab/OpenTraceProbe/pkg/target"
)

// chunk is one contiguous run of image bytes.
type chunk struct {
	address uint64
	data    []byte
}

func (c chunk) end() uint64 { return c.address + uint64(len(c.data)) }

// Image collects the bytes to be written, as sorted non-overlapping
// chunks. Adjacent chunks are merged on insert.
type Image struct {
	chunks []chunk
}

func NewImage() *Image { return &Image{} }

// Add inserts one run of bytes. Overlapping a previous Add is an error.
func (im *Image) Add(address uint64, data []byte) error {
	if len(data) == 0 {
		return nil
	}
	buf := make([]byte, len(data))
	copy(buf, data)
	c := chunk{address: address, data: buf}

	i := sort.Search(len(im.chunks), func(n int) bool {
		return im.chunks[n].address >= address
	})
	if i > 0 && im.chunks[i-1].end() > address {
		return &OverlapError{Address: address}
	}
	if i < len(im.chunks) && c.end() > im.chunks[i].address {
		return &OverlapError{Address: im.chunks[i].address}
	}

	im.chunks = append(im.chunks, chunk{})
	copy(im.chunks[i+1:], im.chunks[i:])
	im.chunks[i] = c

	// Merge with exactly-adjacent neighbors.
	if i+1 < len(im.chunks) && im.chunks[i].end() == im.chunks[i+1].address {
		im.chunks[i].data = append(im.chunks[i].data, im.chunks[i+1].data...)
		im.chunks = append(im.chunks[:i+1], im.chunks[i+2:]...)
	}
	if i > 0 && im.chunks[i-1].end() == im.chunks[i].address {
		im.chunks[i-1].data = append(im.chunks[i-1].data, im.chunks[i].data...)
		im.chunks = append(im.chunks[:i], im.chunks[i+1:]...)
	}
	return nil
}

// Len reports the total number of image bytes.
func (im *Image) Len() uint64 {
	var n uint64
	for _, c := range im.chunks {
		n += uint64(len(c.data))
	}
	return n
}

// Sector is one erase unit of the plan.
type Sector struct {
	Base uint64
	Size uint64
}

// Page is one program unit. Data always spans the full page; bytes not
// supplied by the image hold the erased value until fills are resolved.
type Page struct {
	Base uint64
	Data []byte
}

// Fill marks a range of a page the image did not supply. When unwritten
// bytes are preserved, the loader reads these ranges from the target
// before erasing.
type Fill struct {
	PageIndex int
	Address   uint64
	Size      uint64
}

// Layout is the erase/program plan for one NVM region.
type Layout struct {
	Sectors []Sector
	Pages   []Page
	Fills   []Fill
}

func (l *Layout) sectorBytes() uint64 {
	var n uint64
	for _, s := range l.Sectors {
		n += s.Size
	}
	return n
}

func (l *Layout) pageBytes() uint64 {
	var n uint64
	for _, p := range l.Pages {
		n += uint64(len(p.Data))
	}
	return n
}

type span struct{ start, end uint64 }

// buildLayout derives the touched pages, their owning sectors, and the
// unfilled ranges for one region's worth of image chunks.
func buildLayout(props target.FlashProperties, im *Image) (*Layout, error) {
	pageSize := uint64(props.PageSize)
	if pageSize == 0 || pageSize&(pageSize-1) != 0 {
		return nil, fmt.Errorf("flash: page size %#x is not a power of two", pageSize)
	}

	pages := make(map[uint64]*Page)
	written := make(map[uint64][]span)
	for _, c := range im.chunks {
		addr := c.address
		data := c.data
		for len(data) > 0 {
			base := addr &^ (pageSize - 1)
			off := addr - base
			n := pageSize - off
			if n > uint64(len(data)) {
				n = uint64(len(data))
			}
			p := pages[base]
			if p == nil {
				p = &Page{Base: base, Data: make([]byte, pageSize)}
				for i := range p.Data {
					p.Data[i] = props.ErasedByteValue
				}
				pages[base] = p
			}
			copy(p.Data[off:], data[:n])
			written[base] = append(written[base], span{off, off + n})
			addr += n
			data = data[n:]
		}
	}

	l := &Layout{}
	for base := range pages {
		l.Pages = append(l.Pages, *pages[base])
	}
	sort.Slice(l.Pages, func(i, j int) bool { return l.Pages[i].Base < l.Pages[j].Base })

	sectors := make(map[uint64]uint64)
	for i := range l.Pages {
		p := &l.Pages[i]
		secBase, secSize, ok := props.SectorAt(p.Base)
		if !ok {
			return nil, &RegionError{Address: p.Base, Length: pageSize}
		}
		sectors[secBase] = secSize

		// Chunks are sorted and merged, so the written spans of each
		// page are already disjoint and ordered. Fills are the
		// complement within the page.
		var pos uint64
		for _, s := range written[p.Base] {
			if s.start > pos {
				l.Fills = append(l.Fills, Fill{PageIndex: i, Address: p.Base + pos, Size: s.start - pos})
			}
			pos = s.end
		}
		if pos < pageSize {
			l.Fills = append(l.Fills, Fill{PageIndex: i, Address: p.Base + pos, Size: pageSize - pos})
		}
	}

	for base, size := range sectors {
		l.Sectors = append(l.Sectors, Sector{Base: base, Size: size})
	}
	sort.Slice(l.Sectors, func(i, j int) bool { return l.Sectors[i].Base < l.Sectors[j].Base })
	return l, nil
}

// contiguousRuns groups the plan's pages into runs where each page starts
// exactly where the previous one ends. Compressed transfers operate on one
// run at a time.
func (l *Layout) contiguousRuns() [][]Page {
	var runs [][]Page
	var run []Page
	for _, p := range l.Pages {
		if len(run) > 0 && run[len(run)-1].Base+uint64(len(run[len(run)-1].Data)) != p.Base {
			runs = append(runs, run)
			run = nil
		}
		run = append(run, p)
	}
	if len(run) > 0 {
		runs = append(runs, run)
	}
	return runs
}
