// Package archive compacts aged bus history into a bbolt database.
//
// Processed packets are the bus's permanent record, but a busy
// deployment accumulates thousands of small files and directory scans
// slow down. Sweep moves processed packets older than a retention
// window, receipt included, into buckets keyed by agent/taskID and
// deletes the files. The database write lands before the file removal,
// so a crash mid-sweep duplicates at worst, never loses.
//
// List, Get and Receipt serve the operator CLI's read paths; Restore
// puts a packet back into the processed directory when history needs to
// be consulted in file form again.
package archive
