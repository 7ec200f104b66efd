package flushmanager

import (
	"encoding/binary"
	"fmt"
	"hash/crc32"
	"io"
	"os"
	"sync"

	"github.com/google/uuid"
	"github.com/pkg/errors"
	pagemanager "github.com/sushant-115/gojostore/core/write_engine/page_manager"
	"go.uber.org/zap"
)

// DiskManager is the byte-level page store the buffer pool reads from and writes to.
type DiskManager interface {
	ReadPage(pageID pagemanager.PageID, pageData []byte) error
	WritePage(pageID pagemanager.PageID, pageData []byte) error
	GetPageSize() int
	// NumPages is one past the highest page id ever written.
	NumPages() uint64
	Sync() error
	Close() error
}

const (
	DBMagic       uint32 = 0x474A5354 // "GJST"
	DBFileVersion uint32 = 1

	// magic | version | pageSize | fileID | crc32
	fileHeaderSize = 4 + 4 + 4 + 16 + 4
)

// FileHeader is stored in page 0 of every data file.
type FileHeader struct {
	Magic    uint32
	Version  uint32
	PageSize uint32
	FileID   uuid.UUID
}

func (h *FileHeader) encode(dst []byte) {
	binary.LittleEndian.PutUint32(dst[0:4], h.Magic)
	binary.LittleEndian.PutUint32(dst[4:8], h.Version)
	binary.LittleEndian.PutUint32(dst[8:12], h.PageSize)
	copy(dst[12:28], h.FileID[:])
	binary.LittleEndian.PutUint32(dst[28:32], crc32.ChecksumIEEE(dst[0:28]))
}

func decodeFileHeader(src []byte) (*FileHeader, error) {
	if len(src) < fileHeaderSize {
		return nil, fmt.Errorf("%w: header too short (%d bytes)", ErrInvalidPageData, len(src))
	}
	if crc32.ChecksumIEEE(src[0:28]) != binary.LittleEndian.Uint32(src[28:32]) {
		return nil, ErrChecksumMismatch
	}
	h := &FileHeader{
		Magic:    binary.LittleEndian.Uint32(src[0:4]),
		Version:  binary.LittleEndian.Uint32(src[4:8]),
		PageSize: binary.LittleEndian.Uint32(src[8:12]),
	}
	copy(h.FileID[:], src[12:28])
	return h, nil
}

// FileDiskManager stores pages contiguously in a single file. Page 0 holds the
// FileHeader; page N lives at offset N*pageSize.
type FileDiskManager struct {
	filePath string
	file     *os.File
	pageSize int
	numPages uint64
	header   *FileHeader
	mu       sync.Mutex
	logger   *zap.Logger
}

// NewFileDiskManager opens filePath, creating and initializing it if it does not exist.
// An existing file must carry a valid header whose page size matches pageSize.
func NewFileDiskManager(filePath string, pageSize int, logger *zap.Logger) (*FileDiskManager, error) {
	if pageSize < fileHeaderSize {
		return nil, fmt.Errorf("page size %d is smaller than the file header", pageSize)
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	dm := &FileDiskManager{
		filePath: filePath,
		pageSize: pageSize,
		logger:   logger.Named("disk_manager"),
	}

	_, statErr := os.Stat(filePath)
	switch {
	case os.IsNotExist(statErr):
		if err := dm.create(); err != nil {
			return nil, err
		}
	case statErr == nil:
		if err := dm.open(); err != nil {
			return nil, err
		}
	default:
		return nil, ioErr(statErr, "stating file %s", filePath)
	}
	dm.logger.Info("Disk manager ready",
		zap.String("path", filePath),
		zap.Int("page_size", pageSize),
		zap.Uint64("num_pages", dm.numPages),
		zap.String("file_id", dm.header.FileID.String()))
	return dm, nil
}

func (dm *FileDiskManager) create() error {
	file, err := os.OpenFile(dm.filePath, os.O_RDWR|os.O_CREATE|os.O_EXCL, 0666)
	if err != nil {
		if os.IsExist(err) {
			return fmt.Errorf("%w: %s", ErrDBFileExists, dm.filePath)
		}
		return ioErr(err, "creating file %s", dm.filePath)
	}
	dm.file = file
	dm.header = &FileHeader{
		Magic:    DBMagic,
		Version:  DBFileVersion,
		PageSize: uint32(dm.pageSize),
		FileID:   uuid.New(),
	}
	buf := make([]byte, dm.pageSize)
	dm.header.encode(buf)
	if _, err := dm.file.WriteAt(buf, 0); err != nil {
		_ = dm.file.Close()
		_ = os.Remove(dm.filePath)
		return ioErr(err, "writing header to %s", dm.filePath)
	}
	if err := dm.file.Sync(); err != nil {
		return ioErr(err, "syncing header of %s", dm.filePath)
	}
	dm.numPages = 1
	return nil
}

func (dm *FileDiskManager) open() error {
	file, err := os.OpenFile(dm.filePath, os.O_RDWR, 0666)
	if err != nil {
		return ioErr(err, "opening file %s", dm.filePath)
	}
	dm.file = file

	buf := make([]byte, fileHeaderSize)
	if _, err := dm.file.ReadAt(buf, 0); err != nil {
		_ = dm.file.Close()
		return ioErr(err, "reading header of %s", dm.filePath)
	}
	header, err := decodeFileHeader(buf)
	if err != nil {
		_ = dm.file.Close()
		return errors.Wrapf(err, "validating header of %s", dm.filePath)
	}
	if header.Magic != DBMagic {
		_ = dm.file.Close()
		return fmt.Errorf("%w: bad magic 0x%x in %s", ErrInvalidPageData, header.Magic, dm.filePath)
	}
	if header.PageSize != uint32(dm.pageSize) {
		_ = dm.file.Close()
		return fmt.Errorf("database file page size (%d) does not match configured page size (%d)", header.PageSize, dm.pageSize)
	}
	dm.header = header

	fi, err := dm.file.Stat()
	if err != nil {
		_ = dm.file.Close()
		return ioErr(err, "getting file info for %s", dm.filePath)
	}
	dm.numPages = uint64((fi.Size() + int64(dm.pageSize) - 1) / int64(dm.pageSize))
	if dm.numPages == 0 {
		dm.numPages = 1
	}
	return nil
}

// Header returns the decoded file header.
func (dm *FileDiskManager) Header() FileHeader {
	return *dm.header
}

// ReadPage reads a page's data from disk into pageData. A page that was allocated but
// never written reads back as zeroes.
func (dm *FileDiskManager) ReadPage(pageID pagemanager.PageID, pageData []byte) error {
	dm.mu.Lock()
	defer dm.mu.Unlock()
	if dm.file == nil {
		return ErrDiskClosed
	}
	if pageID == pagemanager.InvalidPageID {
		return fmt.Errorf("%w: page 0 is reserved for the file header", ErrInvalidPageData)
	}
	if len(pageData) != dm.pageSize {
		return fmt.Errorf("page data buffer size (%d) != disk manager page size (%d)", len(pageData), dm.pageSize)
	}
	offset := int64(pageID) * int64(dm.pageSize)
	n, err := dm.file.ReadAt(pageData, offset)
	if err != nil && err != io.EOF {
		return ioErr(err, "reading page %d at offset %d", pageID, offset)
	}
	if n < dm.pageSize {
		clear(pageData[n:])
	}
	return nil
}

// WritePage writes pageData to disk at the specified pageID's location.
func (dm *FileDiskManager) WritePage(pageID pagemanager.PageID, pageData []byte) error {
	dm.mu.Lock()
	defer dm.mu.Unlock()
	if dm.file == nil {
		return ErrDiskClosed
	}
	if pageID == pagemanager.InvalidPageID {
		return fmt.Errorf("%w: page 0 is reserved for the file header", ErrInvalidPageData)
	}
	if len(pageData) != dm.pageSize {
		return fmt.Errorf("page data buffer size (%d) != disk manager page size (%d)", len(pageData), dm.pageSize)
	}
	offset := int64(pageID) * int64(dm.pageSize)
	if _, err := dm.file.WriteAt(pageData, offset); err != nil {
		return ioErr(err, "writing page %d at offset %d", pageID, offset)
	}
	if uint64(pageID) >= dm.numPages {
		dm.numPages = uint64(pageID) + 1
	}
	return nil
}

func (dm *FileDiskManager) GetPageSize() int { return dm.pageSize }

func (dm *FileDiskManager) NumPages() uint64 {
	dm.mu.Lock()
	defer dm.mu.Unlock()
	return dm.numPages
}

// Sync flushes all buffered data to disk.
func (dm *FileDiskManager) Sync() error {
	dm.mu.Lock()
	defer dm.mu.Unlock()
	if dm.file == nil {
		return nil
	}
	if err := dm.file.Sync(); err != nil {
		return ioErr(err, "syncing %s", dm.filePath)
	}
	return nil
}

// Close syncs and closes the underlying file handle.
func (dm *FileDiskManager) Close() error {
	dm.mu.Lock()
	defer dm.mu.Unlock()
	if dm.file == nil {
		return nil
	}
	if err := dm.file.Sync(); err != nil {
		dm.logger.Error("Failed to sync file on close", zap.String("path", dm.filePath), zap.Error(err))
	}
	closeErr := dm.file.Close()
	dm.file = nil
	if closeErr != nil {
		return ioErr(closeErr, "closing %s", dm.filePath)
	}
	return nil
}

// ioErr tags err with ErrIO and records a stack trace at the call site.
func ioErr(err error, format string, args ...any) error {
	return errors.Wrapf(fmt.Errorf("%w: %v", ErrIO, err), format, args...)
}
