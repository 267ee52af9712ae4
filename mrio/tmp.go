package mrio

import (
	"os"

	"github.com/mjl-/mailreport/mlog"
)

// CreateMessageTemp creates a temporary file in dir, e.g. for composing a
// report message before queueing. The caller is responsible for closing and
// possibly removing the file, e.g. with CloseRemoveTempFile.
func CreateMessageTemp(log *mlog.Log, dir, pattern string) (*os.File, error) {
	os.MkdirAll(dir, 0770)
	f, err := os.CreateTemp(dir, pattern)
	if err != nil {
		return nil, err
	}
	err = f.Chmod(0660)
	if err != nil {
		xerr := f.Close()
		log.Check(xerr, "closing temp file after chmod error")
		xerr = os.Remove(f.Name())
		log.Check(xerr, "removing temp file after chmod error")
		return nil, err
	}
	return f, nil
}

// CloseRemoveTempFile closes and removes f, logging errors. For use with defer
// after a CreateMessageTemp.
func CloseRemoveTempFile(log *mlog.Log, f *os.File, what string) {
	err := f.Close()
	log.Check(err, "closing temporary file", mlog.Field("what", what))
	err = os.Remove(f.Name())
	log.Check(err, "removing temporary file", mlog.Field("what", what))
}
