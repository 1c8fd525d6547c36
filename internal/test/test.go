package test

import (
	"os"
	"path/filepath"

	"github.com/meow-io/go-inbound/config"
	"github.com/meow-io/go-inbound/ids"
	db "github.com/meow-io/go-inbound/internal/db"
)

var testKey = []byte{0, 1, 2, 3, 4, 5, 6, 7, 8, 9, 10, 11, 12, 13, 14, 15, 16, 17, 18, 19, 20, 21, 22, 23, 24, 25, 26, 27, 28, 29, 30, 31}

// DeleteAll removes every file and directory matching glob.
func DeleteAll(glob string) {
	files, err := filepath.Glob(glob)
	if err != nil {
		panic(err)
	}
	for _, f := range files {
		if err := os.RemoveAll(f); err != nil {
			panic(err)
		}
	}
}

// DBCleanup runs the package's tests and then removes the databases and logs they left in the working directory.
func DBCleanup(run func() int) int {
	c := run()
	DeleteAll("*-journal")
	DeleteAll("test-*")
	DeleteAll("out*.log")
	return c
}

// NewTestConfig writes its log file into the current directory where DBCleanup removes it.
func NewTestConfig(prefix string) *config.Config {
	return config.NewConfig(config.WithLoggingPrefix(prefix), config.WithRootDir("."), config.WithBatchSizes(16, 1))
}

// NewTestDatabase returns an initialized, open database in a fresh test-* file.
func NewTestDatabase(c *config.Config) *db.Database {
	d, err := db.NewDatabase(c, "test-"+ids.NewID().String())
	if err != nil {
		panic(err)
	}
	if err := d.Initialize(testKey); err != nil {
		panic(err)
	}
	if err := d.Open(testKey); err != nil {
		panic(err)
	}
	return d
}
