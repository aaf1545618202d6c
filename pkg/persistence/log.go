package persistence

import (
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strconv"
	"strings"
	"sync"

	"github.com/fxamacker/cbor/v2"
	"github.com/mikekulinski/zkclient/pkg/znode"
	"github.com/spf13/afero"
)

const (
	LogFilePrefix = "log"
)

// LogManager is a Write-Ahead Log (WAL) for our in memory database. We model this as a new
// file for each transaction being written to our log. Each file is stored in the directory
// provided, and follows the following naming convention.
// "{log_directory}/log_{zxid}"
// TODO: Consider packing multiple logs into the same file to save on resources.
type LogManager struct {
	// mu is a mutex that protects all the fields in the LogManager. In order
	// to keep LogManager thread-safe, we should hold the lock before reading/writing to any
	// of the fields in LogManager.
	mu       *sync.Mutex
	fs       afero.Fs
	logPath  string
	LastZxid int64
}

// NewLogManager opens the log stored in logPath, creating the directory if needed. LastZxid is
// set to the newest transaction already on disk.
func NewLogManager(fs afero.Fs, logPath string) (*LogManager, error) {
	// Make sure to trim any trailing slashes if the provided path contains one.
	logPath = strings.TrimSuffix(logPath, "/")

	fileInfo, err := fs.Stat(logPath)
	switch {
	case os.IsNotExist(err):
		if err := fs.MkdirAll(logPath, 0o755); err != nil {
			return nil, fmt.Errorf("error creating log directory: %w", err)
		}
	case err != nil:
		return nil, err
	case !fileInfo.IsDir():
		return nil, fmt.Errorf("file path does not point to a directory")
	}

	l := &LogManager{
		mu:      &sync.Mutex{},
		fs:      fs,
		logPath: logPath,
	}
	zxids, err := l.zxids()
	if err != nil {
		return nil, err
	}
	if len(zxids) > 0 {
		l.LastZxid = zxids[len(zxids)-1]
	}
	return l, nil
}

// Append will append the given transaction to the log. We do this by writing to a new file on
// the filesystem.
func (l *LogManager) Append(txn *znode.Txn) error {
	l.mu.Lock()
	defer l.mu.Unlock()

	if txn.Zxid <= l.LastZxid {
		return fmt.Errorf("transaction has already been added to the log")
	}

	bytes, err := cbor.Marshal(txn)
	if err != nil {
		return fmt.Errorf("error marshalling txn: %w", err)
	}

	// Create a new log file for this transaction id.
	file, err := l.fs.Create(l.fileName(txn.Zxid))
	if err != nil {
		return fmt.Errorf("error creating new file: %w", err)
	}
	defer file.Close()

	if _, err := file.Write(bytes); err != nil {
		return fmt.Errorf("error writing transaction to file: %w", err)
	}
	if err := file.Sync(); err != nil {
		return fmt.Errorf("error syncing transaction file: %w", err)
	}

	// Update the last seen ZXID to be equal to the transaction we just wrote.
	// Do this after successfully writing the transaction to a file.
	l.LastZxid = txn.Zxid
	return nil
}

// Replay calls fn with every logged transaction in zxid order.
func (l *LogManager) Replay(fn func(*znode.Txn) error) error {
	l.mu.Lock()
	defer l.mu.Unlock()

	zxids, err := l.zxids()
	if err != nil {
		return err
	}
	for _, zxid := range zxids {
		data, err := afero.ReadFile(l.fs, l.fileName(zxid))
		if err != nil {
			return fmt.Errorf("error reading transaction %d: %w", zxid, err)
		}
		txn := &znode.Txn{}
		if err := cbor.Unmarshal(data, txn); err != nil {
			return fmt.Errorf("error unmarshalling transaction %d: %w", zxid, err)
		}
		if txn.Zxid != zxid {
			return fmt.Errorf("log file for transaction %d holds transaction %d", zxid, txn.Zxid)
		}
		if err := fn(txn); err != nil {
			return fmt.Errorf("error replaying transaction %d: %w", zxid, err)
		}
	}
	return nil
}

func (l *LogManager) fileName(zxid int64) string {
	return filepath.Join(l.logPath, fmt.Sprintf("%s_%d", LogFilePrefix, zxid))
}

// zxids lists the transactions on disk, oldest first. Files that do not follow the naming
// convention are ignored.
func (l *LogManager) zxids() ([]int64, error) {
	entries, err := afero.ReadDir(l.fs, l.logPath)
	if err != nil {
		return nil, fmt.Errorf("error listing log directory: %w", err)
	}
	var zxids []int64
	for _, entry := range entries {
		if entry.IsDir() {
			continue
		}
		suffix, ok := strings.CutPrefix(entry.Name(), LogFilePrefix+"_")
		if !ok {
			continue
		}
		zxid, err := strconv.ParseInt(suffix, 10, 64)
		if err != nil {
			continue
		}
		zxids = append(zxids, zxid)
	}
	sort.Slice(zxids, func(i, j int) bool { return zxids[i] < zxids[j] })
	return zxids, nil
}
