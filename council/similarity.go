package council

import "strings"

// jaccardShingleSimilarity measures textual agreement between two strings
// as the Jaccard index of their 3-word shingle sets. Chosen over a
// bag-of-embeddings cosine because it needs no model dependency and is
// monotonic and deterministic, which the property tests in §8 (near-
// identical exchange detection, consensus-extraction agreement) require.
// This is the "configured similarity measure" the spec leaves open —
// documented here per §9's open question.
func jaccardShingleSimilarity(a, b string) float64 {
	sa := shingles(a, 3)
	sb := shingles(b, 3)
	if len(sa) == 0 && len(sb) == 0 {
		return 1
	}
	if len(sa) == 0 || len(sb) == 0 {
		return 0
	}

	intersection := 0
	for s := range sa {
		if sb[s] {
			intersection++
		}
	}
	union := len(sa) + len(sb) - intersection
	if union == 0 {
		return 0
	}
	return float64(intersection) / float64(union)
}

func shingles(s string, n int) map[string]bool {
	words := strings.Fields(strings.ToLower(s))
	if len(words) < n {
		if len(words) == 0 {
			return map[string]bool{}
		}
		return map[string]bool{strings.Join(words, " "): true}
	}

	set := make(map[string]bool, len(words)-n+1)
	for i := 0; i+n <= len(words); i++ {
		set[strings.Join(words[i:i+n], " ")] = true
	}
	return set
}

// meanPairwiseSimilarity computes the mean of jaccardShingleSimilarity over
// all unordered pairs of contents. Returns 1 for a single element (nothing
// to disagree with) and 0 for an empty set.
func meanPairwiseSimilarity(contents []string) float64 {
	n := len(contents)
	if n == 0 {
		return 0
	}
	if n == 1 {
		return 1
	}

	var sum float64
	var pairs int
	for i := 0; i < n; i++ {
		for j := i + 1; j < n; j++ {
			sum += jaccardShingleSimilarity(contents[i], contents[j])
			pairs++
		}
	}
	return sum / float64(pairs)
}

// maximalAgreementSubset finds a large subset of indices whose mean pairwise
// similarity is >= threshold, used by the consensus-extraction strategy to
// pick which responses' content to synthesize from. It runs a greedy peel:
// starting from the full set, it repeatedly drops whichever remaining
// member has the lowest mean similarity to the rest of the current subset,
// shrinking by one each round, until either the current subset clears
// threshold (returned as the majority/agreement group) or only a single
// member remains. A one-member result falls back to the single most
// central response across the ORIGINAL full set, since the last survivor
// of a peel is just whoever was least unlike the second-to-last outlier,
// not necessarily central overall.
func maximalAgreementSubset(contents []string, threshold float64) []int {
	n := len(contents)
	if n == 0 {
		return nil
	}
	if n == 1 {
		return []int{0}
	}

	current := make([]int, n)
	for i := range current {
		current[i] = i
	}

	for len(current) >= 2 {
		if subsetMeanSimilarity(contents, current) >= threshold {
			return current
		}
		if len(current) == 2 {
			break
		}
		current = removeWorstOutlier(contents, current)
	}

	return []int{centroidIndex(contents)}
}

// subsetMeanSimilarity is meanPairwiseSimilarity restricted to the given
// indices.
func subsetMeanSimilarity(contents []string, indices []int) float64 {
	if len(indices) <= 1 {
		return 1
	}
	var sum float64
	var pairs int
	for i := 0; i < len(indices); i++ {
		for j := i + 1; j < len(indices); j++ {
			sum += jaccardShingleSimilarity(contents[indices[i]], contents[indices[j]])
			pairs++
		}
	}
	return sum / float64(pairs)
}

// removeWorstOutlier drops the index whose mean similarity to the rest of
// the subset is lowest, returning the shrunk subset (order preserved).
func removeWorstOutlier(contents []string, indices []int) []int {
	worstPos, worstScore := 0, 2.0 // similarity is in [0,1]; 2.0 is an unreachable high sentinel
	for pos, i := range indices {
		var sum float64
		for _, j := range indices {
			if i == j {
				continue
			}
			sum += jaccardShingleSimilarity(contents[i], contents[j])
		}
		score := sum / float64(len(indices)-1)
		if score < worstScore {
			worstPos, worstScore = pos, score
		}
	}

	next := make([]int, 0, len(indices)-1)
	next = append(next, indices[:worstPos]...)
	next = append(next, indices[worstPos+1:]...)
	return next
}

// centroidIndex returns the index with highest mean similarity to every
// other response in the full set.
func centroidIndex(contents []string) int {
	n := len(contents)
	best, bestScore := 0, -1.0
	for i := 0; i < n; i++ {
		var sum float64
		for j := 0; j < n; j++ {
			if i == j {
				continue
			}
			sum += jaccardShingleSimilarity(contents[i], contents[j])
		}
		score := sum / float64(n-1)
		if score > bestScore {
			best, bestScore = i, score
		}
	}
	return best
}
