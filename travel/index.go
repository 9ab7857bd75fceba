package travel

// dimension names a reverse-index axis.
type dimension int

const (
	byEmployee dimension = iota
	bySubproject
	byProject
	dimensionCnt
)

func (d dimension) String() string {
	switch d {
	case byEmployee:
		return "employee"
	case bySubproject:
		return "subproject"
	case byProject:
		return "project"
	}
	return "unknown"
}

type fpSet map[Fingerprint]struct{}

type owner struct {
	dim dimension
	id  string
}

// reverseIndex maps employee/subproject/project IDs to the fingerprints that
// were derived from them, and each fingerprint back to its owners.
// Not safe for concurrent use; the Cache guards it with its write mutex.
type reverseIndex struct {
	sets   [dimensionCnt]map[string]fpSet
	owners map[Fingerprint][]owner
}

func newReverseIndex() *reverseIndex {
	idx := &reverseIndex{owners: make(map[Fingerprint][]owner)}
	for d := range idx.sets {
		idx.sets[d] = make(map[string]fpSet)
	}
	return idx
}

func (idx *reverseIndex) add(key CacheKey) {
	for _, o := range []owner{
		{byEmployee, key.EmployeeID},
		{bySubproject, key.SubprojectID},
		{byProject, key.ProjectID},
	} {
		if o.id == "" {
			continue
		}
		set, ok := idx.sets[o.dim][o.id]
		if !ok {
			set = make(fpSet)
			idx.sets[o.dim][o.id] = set
		}
		if _, dup := set[key.Fingerprint]; dup {
			continue
		}
		set[key.Fingerprint] = struct{}{}
		idx.owners[key.Fingerprint] = append(idx.owners[key.Fingerprint], o)
	}
}

// take removes and returns every fingerprint registered under dim/id. The
// taken fingerprints are also unlinked from their other owners.
func (idx *reverseIndex) take(dim dimension, id string) []Fingerprint {
	set := idx.sets[dim][id]
	if len(set) == 0 {
		delete(idx.sets[dim], id)
		return nil
	}
	fps := make([]Fingerprint, 0, len(set))
	for fp := range set {
		fps = append(fps, fp)
	}
	idx.remove(fps...)
	return fps
}

// remove drops fingerprints from every set they belong to.
func (idx *reverseIndex) remove(fps ...Fingerprint) {
	for _, fp := range fps {
		for _, o := range idx.owners[fp] {
			set := idx.sets[o.dim][o.id]
			delete(set, fp)
			if len(set) == 0 {
				delete(idx.sets[o.dim], o.id)
			}
		}
		delete(idx.owners, fp)
	}
}

func (idx *reverseIndex) contains(dim dimension, id string, fp Fingerprint) bool {
	_, ok := idx.sets[dim][id][fp]
	return ok
}

func (idx *reverseIndex) size() int {
	return len(idx.owners)
}
