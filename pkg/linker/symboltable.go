package linker

import (
	"sort"
	"sync"
)

// SymbolTable maps global names to their shared Symbol.
type SymbolTable struct {
	mu   sync.Mutex
	syms map[string]*Symbol
}

func NewSymbolTable() *SymbolTable {
	return &SymbolTable{syms: make(map[string]*Symbol)}
}

func (t *SymbolTable) Get(name string) *Symbol {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.syms[name]
}

func (t *SymbolTable) Len() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return len(t.syms)
}

// definitionRank orders competing definitions of one name, lower wins.
// A definition from a command-line file beats any archive member so that
// the member is never extracted for it, and strong beats weak.
func definitionRank(file *ObjectFile, esym *Sym) int {
	rank := 0
	if file.InLib {
		rank += 2
	}
	if esym.IsWeak() {
		rank++
	}
	return rank
}

// Insert records the definition at file.ElfSyms[idx] and returns the
// shared symbol for its name. The existing owner keeps the name unless the
// new definition ranks strictly better, so among equals the first file in
// command-line order wins.
func (t *SymbolTable) Insert(file *ObjectFile, idx int, isec *InputSection) *Symbol {
	esym := &file.ElfSyms[idx]
	name := file.SymbolName(idx)

	t.mu.Lock()
	defer t.mu.Unlock()

	sym, ok := t.syms[name]
	if !ok {
		sym = NewSymbol(name)
		t.syms[name] = sym
	}

	if sym.File == nil ||
		definitionRank(file, esym) < definitionRank(sym.File, sym.ElfSym()) {
		sym.define(file, idx, isec)
	}
	return sym
}

// InsertIfAbsent adds a definition only for a name nobody defined yet.
func (t *SymbolTable) InsertIfAbsent(file *ObjectFile, idx int) *Symbol {
	name := file.SymbolName(idx)

	t.mu.Lock()
	defer t.mu.Unlock()

	if sym, ok := t.syms[name]; ok && sym.File != nil {
		return nil
	}
	sym := NewSymbol(name)
	sym.define(file, idx, nil)
	t.syms[name] = sym
	return sym
}

// Prune drops every entry whose owner is gone or dead.
func (t *SymbolTable) Prune() int {
	t.mu.Lock()
	defer t.mu.Unlock()

	n := 0
	for name, sym := range t.syms {
		if sym.File == nil || !sym.File.IsAlive {
			delete(t.syms, name)
			n++
		}
	}
	return n
}

// Names returns the table keys in sorted order.
func (t *SymbolTable) Names() []string {
	t.mu.Lock()
	defer t.mu.Unlock()

	names := make([]string, 0, len(t.syms))
	for name := range t.syms {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}
