package uaclass

// substringIndex is an Aho-Corasick automaton over folded user-agent bytes.
// Each state keeps a full 256-way transition row so scanning never touches a map.
// Pattern ids are rule positions, so the smallest id seen is the winning rule

type acState struct {
	next [256]int32
	fail int32
	// best is the smallest pattern id ending here, including via fail links; -1 if none
	best int32
}

type substringIndex struct {
	states []acState
}

func newState() acState {
	var s acState
	for i := range s.next {
		s.next[i] = -1
	}
	s.best = -1
	return s
}

func newSubstringIndex() *substringIndex {
	return &substringIndex{states: []acState{newState()}}
}

// add registers pat under id; empty patterns are ignored
func (x *substringIndex) add(pat string, id int) {
	if pat == "" {
		return
	}
	cur := int32(0)
	for i := 0; i < len(pat); i++ {
		b := pat[i]
		nxt := x.states[cur].next[b]
		if nxt == -1 {
			nxt = int32(len(x.states))
			x.states[cur].next[b] = nxt
			x.states = append(x.states, newState())
		}
		cur = nxt
	}
	if st := &x.states[cur]; st.best == -1 || int32(id) < st.best {
		st.best = int32(id)
	}
}

// build computes fail links breadth first and folds each state's best id
// with the best id of its fail target
func (x *substringIndex) build() {
	queue := make([]int32, 0, len(x.states))
	for b := range 256 {
		if s := x.states[0].next[b]; s != -1 {
			x.states[s].fail = 0
			queue = append(queue, s)
		}
	}

	for qi := 0; qi < len(queue); qi++ {
		r := queue[qi]
		for b := range 256 {
			s := x.states[r].next[b]
			if s == -1 {
				continue
			}
			queue = append(queue, s)

			f := x.states[r].fail
			for f != 0 && x.states[f].next[b] == -1 {
				f = x.states[f].fail
			}
			if nxt := x.states[f].next[b]; nxt != -1 && nxt != s {
				x.states[s].fail = nxt
			} else {
				x.states[s].fail = 0
			}

			if fb := x.states[x.states[s].fail].best; fb != -1 {
				if cur := x.states[s].best; cur == -1 || fb < cur {
					x.states[s].best = fb
				}
			}
		}
	}
}

// first returns the smallest pattern id found anywhere in text, or -1.
// Scanning stops early once id 0 is seen
func (x *substringIndex) first(text string) int {
	if len(x.states) == 1 {
		return -1
	}
	best := int32(-1)
	cur := int32(0)
	for i := 0; i < len(text); i++ {
		b := text[i]
		for cur != 0 && x.states[cur].next[b] == -1 {
			cur = x.states[cur].fail
		}
		if nxt := x.states[cur].next[b]; nxt != -1 {
			cur = nxt
		}
		if h := x.states[cur].best; h != -1 && (best == -1 || h < best) {
			best = h
			if best == 0 {
				break
			}
		}
	}
	return int(best)
}
