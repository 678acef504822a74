package objectstore

// OpKind is the type of a single transaction operation.
type OpKind uint8

const (
	OpCreateCollection OpKind = iota + 1
	OpRemoveCollection
	OpWrite
	OpRemove
)

func (k OpKind) String() string {
	switch k {
	case OpCreateCollection:
		return "create_collection"
	case OpRemoveCollection:
		return "remove_collection"
	case OpWrite:
		return "write"
	case OpRemove:
		return "remove"
	default:
		return "unknown"
	}
}

// Op is one operation of a transaction.
type Op struct {
	Kind      OpKind
	Coll      string
	OID       string
	Data      []byte
	SplitBits uint32
}

// Transaction is an ordered list of operations applied atomically. A
// transaction is built by a single goroutine and must not be reused after it
// has been submitted.
type Transaction struct {
	ops []Op
}

func NewTransaction() *Transaction {
	return &Transaction{}
}

// CreateCollection creates coll, recording the number of hash bits its
// objects are split by.
func (t *Transaction) CreateCollection(coll string, splitBits uint32) {
	t.ops = append(t.ops, Op{Kind: OpCreateCollection, Coll: coll, SplitBits: splitBits})
}

// RemoveCollection deletes coll together with every object in it.
func (t *Transaction) RemoveCollection(coll string) {
	t.ops = append(t.ops, Op{Kind: OpRemoveCollection, Coll: coll})
}

// Write replaces the contents of oid in coll.
func (t *Transaction) Write(coll, oid string, data []byte) {
	t.ops = append(t.ops, Op{Kind: OpWrite, Coll: coll, OID: oid, Data: append([]byte(nil), data...)})
}

// Remove deletes oid from coll. Removing a missing object is not an error.
func (t *Transaction) Remove(coll, oid string) {
	t.ops = append(t.ops, Op{Kind: OpRemove, Coll: coll, OID: oid})
}

// Append adds every operation of other after the operations of t.
func (t *Transaction) Append(other *Transaction) {
	if other == nil {
		return
	}
	t.ops = append(t.ops, other.ops...)
}

func (t *Transaction) Ops() []Op { return t.ops }

func (t *Transaction) Len() int { return len(t.ops) }

func (t *Transaction) Empty() bool { return len(t.ops) == 0 }
