package ll

// ----------------------------
// ----- Type definitions -----
// ----------------------------

// itemType differentiates the tokens scanned by the lexer.
type itemType int

// item is one lexeme scanned from the input, with its source position for PARSE error reporting.
type item struct {
	typ  itemType
	val  string
	line int
	col  int
}

// ---------------------
// ----- Constants -----
// ---------------------

const (
	itemEOF itemType = iota
	itemError

	itemIdent  // bare identifier / keyword candidate
	itemLocal  // %name or %123
	itemGlobal // @name
	itemInt    // integer literal
	itemFloat  // floating literal, including 0x hex-float
	itemString // "..."

	itemLParen
	itemRParen
	itemLBrace
	itemRBrace
	itemLBracket
	itemRBracket
	itemLAngleBrace // <{
	itemRAngleBrace // }>
	itemComma
	itemColon
	itemEquals
	itemStar
	itemPlus
	itemEllipsis

	// keyword families; isKeyword resolves an identifier lexeme to one of these.
	itemKwDeclare
	itemKwDefine
	itemKwType
	itemKwOpcode
	itemKwPredicate
)

// keyword records one reserved word alongside the token family it resolves to.
type keyword struct {
	val string
	typ itemType
}

// -------------------
// ----- Globals -----
// -------------------

// typeKeywords, opcodeKeywords and predicateKeywords partition the reserved word set the way the
// textual IR surface syntax groups them; isKeyword classifies a word against them by map lookup.
// The lexer emits every word as itemIdent and the parser matches keywords by string comparison.
// struct and function types have no leading keyword in the textual surface syntax (they are
// spotted structurally, by "{"/"<{"/a return-type-then-"(" pattern) so neither word belongs here.
var typeKeywords = map[string]bool{
	"void": true, "i1": true, "i8": true, "i16": true, "i32": true, "i64": true,
	"f32": true, "f64": true, "ptr": true,
}

var opcodeKeywords = map[string]bool{
	"ret": true, "ret_void": true, "br": true, "condbr": true, "unreachable": true,
	"add": true, "sub": true, "mul": true, "sdiv": true, "srem": true, "udiv": true, "urem": true,
	"and": true, "or": true, "xor": true, "shl": true, "lshr": true, "ashr": true,
	"fadd": true, "fsub": true, "fmul": true, "fdiv": true, "frem": true, "fneg": true,
	"icmp": true, "fcmp": true,
	"alloca": true, "load": true, "store": true, "gep": true,
	"call": true, "phi": true, "select": true,
	"sext": true, "zext": true, "trunc": true, "bitcast": true, "ptrtoint": true, "inttoptr": true,
	"sitofp": true, "uitofp": true, "fptosi": true, "fptoui": true, "fpext": true, "fptrunc": true,
	"extractvalue": true, "insertvalue": true,
	"declare": true, "define": true,
}

var predicateKeywords = map[string]bool{
	"eq": true, "ne": true, "slt": true, "sle": true, "sgt": true, "sge": true,
	"ult": true, "ule": true, "ugt": true, "uge": true,
	"oeq": true, "one": true, "olt": true, "ole": true, "ogt": true, "oge": true,
}

// ---------------------
// ----- Functions -----
// ---------------------

// fnv1a computes the 32-bit FNV-1a hash of s, with the same constants used by ir.SymbolTable.
// isKeyword computes it but does not use the result; keyword lookup has no hash fast path.
func fnv1a(s string) uint32 {
	const offset = 2166136261
	const prime = 16777619
	h := uint32(offset)
	for i := 0; i < len(s); i++ {
		h ^= uint32(s[i])
		h *= prime
	}
	return h
}

// isKeyword reports whether s is one of the textual IR's reserved words, and if so which token
// family it belongs to (type, opcode, or predicate). Membership is decided by the map lookups
// alone; the FNV-1a hash is computed and discarded, so there is no hash-based fast reject.
func isKeyword(s string) (itemType, bool) {
	_ = fnv1a(s) // result unused; the map lookups below decide membership.
	if s == "declare" {
		return itemKwDeclare, true
	}
	if s == "define" {
		return itemKwDefine, true
	}
	if typeKeywords[s] {
		return itemKwType, true
	}
	if opcodeKeywords[s] {
		return itemKwOpcode, true
	}
	if predicateKeywords[s] {
		return itemKwPredicate, true
	}
	return 0, false
}

func (i item) String() string {
	return i.val
}
