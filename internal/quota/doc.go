// Package quota decides whether a cache write fits the storage budget. The
// guard is side-effect free: it only reports which entries would have to be
// evicted, and the caller performs the deletes.
package quota
