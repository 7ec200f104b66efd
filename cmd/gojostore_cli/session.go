package main

import (
	"bufio"
	"errors"
	"fmt"
	"io"
	"os"
	"strconv"
	"strings"

	"github.com/google/uuid"
	"github.com/sushant-115/gojostore/core/indexing/btree"
	flushmanager "github.com/sushant-115/gojostore/core/write_engine/flush_manager"
	"github.com/sushant-115/gojostore/core/write_engine/memtable"
	pagemanager "github.com/sushant-115/gojostore/core/write_engine/page_manager"
	"github.com/sushant-115/gojostore/pkg/config"
	"go.uber.org/zap"
)

var errExit = errors.New("exit requested")

// session owns one open tree of int64 keys and the storage stack beneath it.
type session struct {
	id     uuid.UUID
	disk   flushmanager.DiskManager
	bpm    *memtable.BufferPoolManager
	tree   *btree.BPlusTree[int64, btree.RID]
	out    io.Writer
	logger *zap.Logger
}

// openSession opens the configured data file, or an in-memory store when none is set.
// A file that already holds pages reattaches to the tree whose header is the first
// allocated page unless the config names another.
func openSession(cfg *config.Config, out io.Writer, logger *zap.Logger) (*session, error) {
	var disk flushmanager.DiskManager
	if cfg.Storage.DataFile == "" {
		disk = flushmanager.NewMemoryDiskManager(cfg.Storage.PageSize)
	} else {
		fdm, err := flushmanager.NewFileDiskManager(cfg.Storage.DataFile, cfg.Storage.PageSize, logger)
		if err != nil {
			return nil, err
		}
		disk = fdm
	}

	bpm, err := memtable.NewBufferPoolManager(cfg.Storage.PoolSize, cfg.Storage.ReplacerK, disk, logger)
	if err != nil {
		disk.Close()
		return nil, err
	}

	codec := btree.KeyValueCodec[int64, btree.RID]{Key: btree.Int64Codec{}, Value: btree.RIDCodec{}}
	header := pagemanager.PageID(cfg.Index.HeaderPageID)
	if header == pagemanager.InvalidPageID && disk.NumPages() > 1 {
		header = 1
	}
	var tree *btree.BPlusTree[int64, btree.RID]
	if header == pagemanager.InvalidPageID {
		header, err = btree.AllocateHeaderPage(bpm)
		if err == nil {
			tree, err = btree.NewBPlusTree(cfg.Index.Name, header, bpm, btree.DefaultKeyOrder[int64], codec,
				cfg.Index.LeafMaxSize, cfg.Index.InternalMaxSize, logger)
		}
	} else {
		tree, err = btree.OpenBPlusTree(cfg.Index.Name, header, bpm, btree.DefaultKeyOrder[int64], codec,
			cfg.Index.LeafMaxSize, cfg.Index.InternalMaxSize, logger)
	}
	if err != nil {
		disk.Close()
		return nil, err
	}

	id := uuid.New()
	return &session{
		id:     id,
		disk:   disk,
		bpm:    bpm,
		tree:   tree,
		out:    out,
		logger: logger.With(zap.String("session_id", id.String())),
	}, nil
}

// close flushes every dirty page and closes the disk.
func (s *session) close() error {
	return errors.Join(s.bpm.FlushAllPages(), s.disk.Close())
}

// ridFor derives the value stored for key, splitting it into page and slot halves.
func ridFor(key int64) btree.RID {
	return btree.RID{PageID: pagemanager.PageID(uint64(key) >> 32), SlotNum: uint32(key)}
}

func parseKey(arg string) (int64, error) {
	key, err := strconv.ParseInt(arg, 10, 64)
	if err != nil {
		return 0, fmt.Errorf("invalid key %q: must be an integer", arg)
	}
	return key, nil
}

// execute runs one command line. It returns errExit for exit/quit.
func (s *session) execute(args []string) error {
	if len(args) == 0 {
		return nil
	}
	switch cmd := strings.ToLower(args[0]); cmd {
	case "insert", "i":
		if len(args) < 2 {
			return errors.New("insert requires a key")
		}
		key, err := parseKey(args[1])
		if err != nil {
			return err
		}
		ok, err := s.tree.Insert(key, ridFor(key))
		if err != nil {
			return err
		}
		if !ok {
			fmt.Fprintf(s.out, "key %d already exists\n", key)
			return nil
		}
		fmt.Fprintln(s.out, "OK")
	case "get", "f":
		if len(args) < 2 {
			return errors.New("get requires a key")
		}
		key, err := parseKey(args[1])
		if err != nil {
			return err
		}
		values, found, err := s.tree.GetValue(key)
		if err != nil {
			return err
		}
		if !found {
			fmt.Fprintf(s.out, "key %d not found\n", key)
			return nil
		}
		for _, rid := range values {
			fmt.Fprintf(s.out, "%d -> (%d, %d)\n", key, rid.PageID, rid.SlotNum)
		}
	case "delete", "d":
		if len(args) < 2 {
			return errors.New("delete requires a key")
		}
		key, err := parseKey(args[1])
		if err != nil {
			return err
		}
		if err := s.tree.Remove(key); err != nil {
			return err
		}
		fmt.Fprintln(s.out, "OK")
	case "load", "unload":
		if len(args) < 2 {
			return fmt.Errorf("%s requires a file", cmd)
		}
		n, err := s.bulk(args[1], cmd == "load")
		if err != nil {
			return err
		}
		fmt.Fprintf(s.out, "%sed %d keys\n", cmd, n)
	case "scan":
		return s.scan(args[1:])
	case "print", "p":
		fmt.Fprint(s.out, s.tree.String())
	case "flush":
		if err := s.bpm.FlushAllPages(); err != nil {
			return err
		}
		if err := s.disk.Sync(); err != nil {
			return err
		}
		fmt.Fprintln(s.out, "OK")
	case "stats":
		st := s.bpm.Stats()
		root, err := s.tree.GetRootPageId()
		if err != nil {
			return err
		}
		fmt.Fprintf(s.out, "session %s\n", s.id)
		fmt.Fprintf(s.out, "pool: size=%d resident=%d free=%d pinned=%d dirty=%d evictable=%d\n",
			st.PoolSize, st.Resident, st.Free, st.Pinned, st.Dirty, st.Evictable)
		fmt.Fprintf(s.out, "pages: next=%d reclaimed=%d on_disk=%d\n", st.NextPageID, st.ReclaimedIDs, s.disk.NumPages())
		fmt.Fprintf(s.out, "tree: root=%d leaf_max=%d internal_max=%d\n", root, s.tree.LeafMaxSize(), s.tree.InternalMaxSize())
	case "help", "?":
		fmt.Fprint(s.out, helpText)
	case "exit", "quit", "q":
		return errExit
	default:
		return fmt.Errorf("unknown command %q, type 'help' for a list of commands", args[0])
	}
	return nil
}

const helpText = `Commands:
  insert <key>          insert an integer key
  get <key>             look up a key
  delete <key>          remove a key
  load <file>           insert every integer in a file
  unload <file>         remove every integer in a file
  scan [from] [limit]   list keys in order
  print                 dump the tree
  flush                 write dirty pages to disk
  stats                 buffer pool and tree statistics
  help
  exit / quit
`

// bulk inserts or removes every whitespace-separated integer in path.
func (s *session) bulk(path string, insert bool) (int, error) {
	f, err := os.Open(path)
	if err != nil {
		return 0, err
	}
	defer f.Close()

	scanner := bufio.NewScanner(f)
	scanner.Split(bufio.ScanWords)
	n := 0
	for scanner.Scan() {
		key, err := parseKey(scanner.Text())
		if err != nil {
			return n, err
		}
		if insert {
			ok, err := s.tree.Insert(key, ridFor(key))
			if err != nil {
				return n, err
			}
			if ok {
				n++
			}
		} else {
			if err := s.tree.Remove(key); err != nil {
				return n, err
			}
			n++
		}
	}
	return n, scanner.Err()
}

func (s *session) scan(args []string) error {
	var it *btree.Iterator[int64, btree.RID]
	var err error
	if len(args) > 0 {
		from, perr := parseKey(args[0])
		if perr != nil {
			return perr
		}
		it, err = s.tree.BeginAt(from)
	} else {
		it, err = s.tree.Begin()
	}
	if err != nil {
		return err
	}
	limit := -1
	if len(args) > 1 {
		if limit, err = strconv.Atoi(args[1]); err != nil {
			return fmt.Errorf("invalid limit %q", args[1])
		}
	}

	n := 0
	for ; !it.IsEnd() && n != limit; n++ {
		rid := it.Value()
		fmt.Fprintf(s.out, "%d -> (%d, %d)\n", it.Key(), rid.PageID, rid.SlotNum)
		if err := it.Next(); err != nil {
			return err
		}
	}
	fmt.Fprintf(s.out, "(%d keys)\n", n)
	return nil
}
