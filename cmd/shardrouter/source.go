package main

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"strconv"
	"unicode/utf8"

	"github.com/machinefabric/shardrpc-go/cmd/internal/shardproto"
)

var errTooManyFiles = errors.New("too many files for one request")

// shardDir is where the files of shardID live under root.
func shardDir(root string, shardID uint32) string {
	return filepath.Join(root, strconv.FormatUint(uint64(shardID), 10))
}

// loadShardFiles reads every regular UTF-8 file under dir. Paths are
// relative to dir and slash separated. A missing dir yields no files.
func loadShardFiles(dir string) ([]shardproto.FileText, error) {
	var files []shardproto.FileText
	err := filepath.WalkDir(dir, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if !d.Type().IsRegular() {
			return nil
		}
		data, err := os.ReadFile(path)
		if err != nil {
			return err
		}
		if !utf8.Valid(data) {
			return nil
		}
		if len(files) == shardproto.MaxFilesPerRequest {
			return fmt.Errorf("%w: more than %d under %s", errTooManyFiles, shardproto.MaxFilesPerRequest, dir)
		}
		rel, err := filepath.Rel(dir, path)
		if err != nil {
			return err
		}
		files = append(files, shardproto.FileText{Path: filepath.ToSlash(rel), Text: string(data)})
		return nil
	})
	if errors.Is(err, fs.ErrNotExist) {
		return nil, nil
	}
	return files, err
}
