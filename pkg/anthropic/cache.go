package anthropic

// BuildCachedSystemBlocks wraps the system prompt in a single block with a
// prompt-cache breakpoint. Evaluations of the same scene share the rubric
// instructions, so repeated calls within the TTL read from the cache.
func BuildCachedSystemBlocks(text, ttl string) []SystemBlock {
	if text == "" {
		return nil
	}
	block := SystemBlock{Text: text, CacheControl: &CacheControl{}}
	if ttl != "" {
		block.CacheControl.TTL = ttl
	}
	return []SystemBlock{block}
}
