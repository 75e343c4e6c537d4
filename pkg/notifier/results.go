package notifier

import "slices"

// Results maps recipient -> search name -> submission ID -> submission.
// Every level keeps insertion order and is created lazily on the first Add,
// so no level is ever empty by construction. Remove prunes emptied parents.
type Results struct {
	order []string
	byKey map[string]*RecipientResults
}

// RecipientResults holds the search buckets destined for one recipient.
type RecipientResults struct {
	Recipient string
	order     []string
	byName    map[string]*SearchResults
}

// SearchResults holds the submissions found by one named search.
type SearchResults struct {
	Name  string
	order []string
	byID  map[string]*Submission
}

// NewResults returns an empty result mapping.
func NewResults() *Results {
	return &Results{byKey: make(map[string]*RecipientResults)}
}

// Add inserts sub under recipient and search name. Re-adding an ID to the
// same bucket overwrites the stored submission and keeps its position.
func (r *Results) Add(recipient, search string, sub *Submission) {
	rr, ok := r.byKey[recipient]
	if !ok {
		rr = &RecipientResults{Recipient: recipient, byName: make(map[string]*SearchResults)}
		r.byKey[recipient] = rr
		r.order = append(r.order, recipient)
	}
	sr, ok := rr.byName[search]
	if !ok {
		sr = &SearchResults{Name: search, byID: make(map[string]*Submission)}
		rr.byName[search] = sr
		rr.order = append(rr.order, search)
	}
	if _, exists := sr.byID[sub.ID]; !exists {
		sr.order = append(sr.order, sub.ID)
	}
	sr.byID[sub.ID] = sub
}

// Remove deletes one submission and collapses any bucket it leaves empty.
// It reports whether the submission was present.
func (r *Results) Remove(recipient, search, id string) bool {
	rr, ok := r.byKey[recipient]
	if !ok {
		return false
	}
	sr, ok := rr.byName[search]
	if !ok {
		return false
	}
	if _, ok := sr.byID[id]; !ok {
		return false
	}
	delete(sr.byID, id)
	sr.order = deleteKey(sr.order, id)

	if len(sr.byID) == 0 {
		delete(rr.byName, search)
		rr.order = deleteKey(rr.order, search)
	}
	if len(rr.byName) == 0 {
		delete(r.byKey, recipient)
		r.order = deleteKey(r.order, recipient)
	}
	return true
}

// Recipients returns the recipient buckets in insertion order.
func (r *Results) Recipients() []*RecipientResults {
	out := make([]*RecipientResults, 0, len(r.order))
	for _, k := range r.order {
		out = append(out, r.byKey[k])
	}
	return out
}

// Recipient returns the bucket for one recipient, or nil.
func (r *Results) Recipient(recipient string) *RecipientResults {
	return r.byKey[recipient]
}

// Len returns the number of recipients with at least one submission.
func (r *Results) Len() int {
	return len(r.order)
}

// Count returns the number of (recipient, search, submission) entries.
func (r *Results) Count() int {
	n := 0
	for _, rr := range r.byKey {
		n += rr.Count()
	}
	return n
}

// IDs returns every distinct submission ID in first-seen order.
func (r *Results) IDs() []string {
	seen := make(map[string]struct{})
	var ids []string
	for _, rr := range r.Recipients() {
		for _, sr := range rr.Searches() {
			for _, id := range sr.order {
				if _, dup := seen[id]; dup {
					continue
				}
				seen[id] = struct{}{}
				ids = append(ids, id)
			}
		}
	}
	return ids
}

// Searches returns the search buckets in insertion order.
func (rr *RecipientResults) Searches() []*SearchResults {
	out := make([]*SearchResults, 0, len(rr.order))
	for _, k := range rr.order {
		out = append(out, rr.byName[k])
	}
	return out
}

// Search returns the bucket for one search name, or nil.
func (rr *RecipientResults) Search(name string) *SearchResults {
	return rr.byName[name]
}

// Count returns the number of submissions across all searches.
func (rr *RecipientResults) Count() int {
	n := 0
	for _, sr := range rr.byName {
		n += len(sr.byID)
	}
	return n
}

// Submissions returns the submissions in insertion order.
func (sr *SearchResults) Submissions() []*Submission {
	out := make([]*Submission, 0, len(sr.order))
	for _, id := range sr.order {
		out = append(out, sr.byID[id])
	}
	return out
}

// Get returns the submission stored under id, or nil.
func (sr *SearchResults) Get(id string) *Submission {
	return sr.byID[id]
}

// Len returns the number of submissions.
func (sr *SearchResults) Len() int {
	return len(sr.byID)
}

func deleteKey(keys []string, key string) []string {
	if i := slices.Index(keys, key); i >= 0 {
		return slices.Delete(keys, i, i+1)
	}
	return keys
}
