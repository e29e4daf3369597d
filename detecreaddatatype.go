package clprep

import (
	"compress/gzip"
	"io"
	"os"
)

type DataType byte

const (
	DataTypeInvalid DataType = iota
	DataTypeNoCompression
	DataTypeGzip
	DataTypeZip
)

// The inputs this pipeline sees are either plain files, gzipped NIfTI
// (.nii.gz), or zip archives (.npz). Byte code signatures from
// https://stackoverflow.com/a/19127748/199475
var byteCodeSigs = map[DataType][]byte{
	DataTypeGzip: {0x1f, 0x8b, 0x08},
	DataTypeZip:  {0x50, 0x4b, 0x03, 0x04},
}

// DetectDataType attempts to detect the data type of a stream by checking
// against a set of known signatures. It consumes bytes from r; callers holding
// a seeker are expected to rewind afterwards.
func DetectDataType(r io.Reader) (DataType, error) {
	buff := make([]byte, 4)
	if _, err := io.ReadFull(r, buff); err != nil {
		return DataTypeInvalid, err
	}

Outer:
	for dt, sig := range byteCodeSigs {
		for position := range sig {
			if buff[position] != sig[position] {
				continue Outer
			}
		}
		return dt, nil
	}

	return DataTypeNoCompression, nil
}

// MaybeDecompressReadCloserFromFile wraps f in a gzip reader if its leading
// bytes carry the gzip signature, and otherwise returns f itself rewound to
// the start. The name-based alternative (trusting the .gz suffix) is not good
// enough here: site exports have shipped .nii files that were secretly
// gzipped and vice versa.
func MaybeDecompressReadCloserFromFile(f *os.File) (io.ReadCloser, error) {
	dt, err := DetectDataType(f)
	if err != nil {
		return nil, err
	}

	if _, err := f.Seek(0, io.SeekStart); err != nil {
		return nil, err
	}

	if dt == DataTypeGzip {
		return gzip.NewReader(f)
	}

	return f, nil
}
