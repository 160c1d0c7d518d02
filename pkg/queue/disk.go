// Package queue implements the two-tier (bounded memory ring + rotating
// on-disk segment log) backend queue of spec §4.1. Segment files are named
// nsq.<N>.dat; each record is a 4-byte big-endian length prefix followed by
// opaque bytes, matching original_source/nsq-common/src/disk_queue.rs.
package queue

import (
	"encoding/binary"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"regexp"
	"sort"
	"strconv"
	"sync"

	"github.com/cuemby/relay/pkg/log"
	"github.com/cuemby/relay/pkg/rerrors"
)

var segmentRe = regexp.MustCompile(`^nsq\.(\d+)\.dat$`)

// DiskQueue is a single append-only, rotating segment log backing one
// topic or channel's overflow storage.
type DiskQueue struct {
	mu sync.Mutex

	dir         string
	maxFileSize int64

	writeFileNum int64
	writeFile    *os.File
	writePos     int64

	readFileNum int64
	readFile    *os.File
	readPos     int64

	depth int64
}

// NewDiskQueue opens (and if necessary recovers) the segment log rooted at
// dir, scanning existing segment files to seed depth and opening the
// highest-numbered file for append, per spec §4.1 "engine MUST recover on
// restart".
func NewDiskQueue(dir string, maxFileSize int64) (*DiskQueue, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, rerrors.IO("create queue dir", err)
	}
	dq := &DiskQueue{dir: dir, maxFileSize: maxFileSize}
	if err := dq.recover(); err != nil {
		return nil, err
	}
	if err := dq.openWriteFile(); err != nil {
		return nil, err
	}
	return dq, nil
}

func (q *DiskQueue) segmentPath(n int64) string {
	return filepath.Join(q.dir, fmt.Sprintf("nsq.%d.dat", n))
}

// recover scans existing segment files, counts whole records to seed depth,
// and positions the read cursor at the lowest segment and the write cursor
// at the highest. A segment
// whose tail record is truncated mid-write is logged and left ending at the
// last complete record — the file is never deleted (spec §9).
func (q *DiskQueue) recover() error {
	entries, err := os.ReadDir(q.dir)
	if err != nil {
		return rerrors.IO("read queue dir", err)
	}

	var nums []int64
	for _, e := range entries {
		m := segmentRe.FindStringSubmatch(e.Name())
		if m == nil {
			continue
		}
		n, _ := strconv.ParseInt(m[1], 10, 64)
		nums = append(nums, n)
	}
	sort.Slice(nums, func(i, j int) bool { return nums[i] < nums[j] })

	var depth int64
	for _, n := range nums {
		c, err := q.countSegment(q.segmentPath(n))
		if err != nil {
			return err
		}
		depth += c
	}

	q.depth = depth
	if len(nums) > 0 {
		q.writeFileNum = nums[len(nums)-1]
		q.readFileNum = nums[0]
	}
	return nil
}

// countSegment counts whole length-prefixed records in a segment file,
// stopping (without error) at the first short read.
func (q *DiskQueue) countSegment(path string) (int64, error) {
	f, err := os.Open(path)
	if err != nil {
		return 0, rerrors.IO("open segment for recovery", err)
	}
	defer f.Close()
	info, err := f.Stat()
	if err != nil {
		return 0, rerrors.IO("stat segment for recovery", err)
	}

	var count, offset int64
	var sizeBuf [4]byte
	for {
		if _, err := io.ReadFull(f, sizeBuf[:]); err != nil {
			if err != io.EOF {
				log.WithComponent("queue").Warn().
					Str("segment", path).
					Int64("offset", offset).
					Msg("truncated record header at segment tail; stopping scan, file left intact")
			}
			break
		}
		size := int64(binary.BigEndian.Uint32(sizeBuf[:]))
		if _, err := f.Seek(size, io.SeekCurrent); err != nil || offset+4+size > info.Size() {
			log.WithComponent("queue").Warn().
				Str("segment", path).
				Int64("offset", offset).
				Msg("truncated record body at segment tail; stopping scan, file left intact")
			break
		}
		offset += 4 + size
		count++
	}
	return count, nil
}

func (q *DiskQueue) openWriteFile() error {
	f, err := os.OpenFile(q.segmentPath(q.writeFileNum), os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
	if err != nil {
		return rerrors.IO("open write segment", err)
	}
	info, err := f.Stat()
	if err != nil {
		f.Close()
		return rerrors.IO("stat write segment", err)
	}
	q.writeFile = f
	q.writePos = info.Size()
	return nil
}

func (q *DiskQueue) rotateIfNeeded(nextWriteSize int64) error {
	if q.writePos+nextWriteSize <= q.maxFileSize {
		return nil
	}
	if err := q.writeFile.Close(); err != nil {
		return rerrors.IO("close segment before rotate", err)
	}
	q.writeFileNum++
	return q.openWriteFile()
}

// Put appends one record to the active write segment, rotating to a new
// segment first if the write would exceed max_file_size.
func (q *DiskQueue) Put(data []byte) error {
	q.mu.Lock()
	defer q.mu.Unlock()

	recSize := int64(4 + len(data))
	if err := q.rotateIfNeeded(recSize); err != nil {
		return err
	}

	var sizeBuf [4]byte
	binary.BigEndian.PutUint32(sizeBuf[:], uint32(len(data)))
	if _, err := q.writeFile.Write(sizeBuf[:]); err != nil {
		return rerrors.IO("write segment length prefix", err)
	}
	if _, err := q.writeFile.Write(data); err != nil {
		return rerrors.IO("write segment body", err)
	}
	q.writePos += recSize
	q.depth++
	return nil
}

// Get reads and removes the next record, rolling forward to the next
// segment on EOF. Returns (nil, nil) when the queue is empty.
func (q *DiskQueue) Get() ([]byte, error) {
	q.mu.Lock()
	defer q.mu.Unlock()

	if q.depth == 0 {
		return nil, nil
	}

	for {
		if q.readFile == nil {
			f, err := os.Open(q.segmentPath(q.readFileNum))
			if err != nil {
				if os.IsNotExist(err) {
					return nil, nil
				}
				return nil, rerrors.IO("open read segment", err)
			}
			if _, err := f.Seek(q.readPos, io.SeekStart); err != nil {
				f.Close()
				return nil, rerrors.IO("seek read segment", err)
			}
			q.readFile = f
		}

		var sizeBuf [4]byte
		n, err := io.ReadFull(q.readFile, sizeBuf[:])
		if err != nil || n < 4 {
			q.readFile.Close()
			q.readFile = nil
			if q.readFileNum >= q.writeFileNum {
				// No further segment to roll into.
				return nil, nil
			}
			q.readFileNum++
			q.readPos = 0
			continue
		}
		size := int64(binary.BigEndian.Uint32(sizeBuf[:]))
		body := make([]byte, size)
		if _, err := io.ReadFull(q.readFile, body); err != nil {
			return nil, rerrors.IO("read segment body", err)
		}
		q.readPos += 4 + size
		q.depth--
		return body, nil
	}
}

// Depth returns the number of records remaining on disk.
func (q *DiskQueue) Depth() int64 {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.depth
}

// Close closes any open file handles.
func (q *DiskQueue) Close() error {
	q.mu.Lock()
	defer q.mu.Unlock()
	var firstErr error
	if q.writeFile != nil {
		if err := q.writeFile.Close(); err != nil {
			firstErr = err
		}
	}
	if q.readFile != nil {
		if err := q.readFile.Close(); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	return firstErr
}
