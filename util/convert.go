package util

import (
	"fmt"

	"github.com/jobala/petro/storage/disk"
	"github.com/vmihailenco/msgpack"
)

// ToByteSlice serializes obj with msgpack into a page-sized buffer, zero
// padded. It errors if the encoded form doesn't fit a page: pages have a
// fixed layout budget and a page that overflows it is a bug in the caller,
// not a condition to silently truncate.
func ToByteSlice[T any](obj T) ([]byte, error) {
	data, err := msgpack.Marshal(obj)
	if err != nil {
		return nil, err
	}
	if len(data) > disk.PAGE_SIZE {
		return nil, fmt.Errorf("encoded page is %d bytes, exceeds page size %d", len(data), disk.PAGE_SIZE)
	}

	res := make([]byte, disk.PAGE_SIZE)
	copy(res, data)
	return res, nil
}

func ToStruct[T any](data []byte) (T, error) {
	var res T
	if err := msgpack.Unmarshal(data, &res); err != nil {
		return res, err
	}
	return res, nil
}
