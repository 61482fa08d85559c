package txposix

// FileTx is the common surface every per-file-type transaction shadow
// implements, so a transaction can keep its shadows of every file type
// in one map keyed by FileID. Operations are still routed by file kind
// (fdops.go switches on FileID.Kind, and each *TxFor accessor asserts
// the concrete shadow type).
type FileTx interface {
	FileID() FileID
}
