package disk

// PAGE_SIZE is the fixed size, in bytes, of every page this engine reads or
// writes. Kept as an untyped constant (rather than PageSize) to match the
// naming every caller in this module already uses.
const PAGE_SIZE = 4096

// INVALID_PAGE_ID is the sentinel meaning "no page" wherever a page id field
// can be absent (an empty tree's header, a leaf with no right sibling, a
// node with no parent).
const INVALID_PAGE_ID int64 = -1

// DEFAULT_PAGE_CAPACITY is the page count DiskManager assumes the db file
// holds before it first grows the file by doubling; NewDiskManager does not
// resize the file itself.
const DEFAULT_PAGE_CAPACITY = 16
