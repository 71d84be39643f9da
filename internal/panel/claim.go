package panel

// BuildClaimQuery is a pure, side-effect-free query builder. It returns a
// SELECT over mission whose result set is exactly the missions eligible
// to be claimed for the given tag set: neither finished nor in-flight,
// and tagged with every requested tag (all-of, not any-of).
//
// now() is evaluated by Postgres at execution time, not by the caller, so
// heartbeat expiry is always measured against the store's clock.
func BuildClaimQuery(tags []string) (string, []any) {
	const query = `
SELECT m.id, m.content, m.create_time, m.last_update_time
FROM mission m
JOIN missiontag mt ON mt.mission_id = m.id
JOIN tag t ON t.name = mt.tag_name
LEFT JOIN attempt a ON a.mission_id = m.id
WHERE t.name = ANY($1)
GROUP BY m.id
HAVING COUNT(DISTINCT t.name) = $2
   AND COUNT(CASE WHEN a.success IS TRUE OR a.last_update_time + a.max_time_interval >= now() THEN 1 END) = 0
ORDER BY m.id`
	return query, []any{tags, len(tags)}
}
