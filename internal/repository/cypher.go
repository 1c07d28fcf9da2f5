package repository

const ensureUserConstraintCypher = `
CREATE CONSTRAINT user_id_unique IF NOT EXISTS
FOR (u:User) REQUIRE u.userId IS UNIQUE
`

const ensureCodeConstraintCypher = `
CREATE CONSTRAINT referral_code_unique IF NOT EXISTS
FOR (c:ReferralCode) REQUIRE c.code IS UNIQUE
`

const ensureReferredByIndexCypher = `
CREATE INDEX user_referred_by IF NOT EXISTS
FOR (u:User) ON (u.referredBy)
`

// upsertUserCypher replaces the user's properties and re-links REFERRED_BY
// edges in both directions so that ingestion order does not matter.
const upsertUserCypher = `
MERGE (u:User {userId: $userId})
SET u = $props, u.userId = $userId
WITH u
OPTIONAL MATCH (u)-[old:REFERRED_BY]->()
DELETE old
WITH u
OPTIONAL MATCH (parent:User {userId: u.referredBy})
FOREACH (_ IN CASE WHEN parent IS NULL THEN [] ELSE [1] END |
	MERGE (u)-[:REFERRED_BY]->(parent)
)
WITH u
OPTIONAL MATCH (child:User {referredBy: u.userId})
FOREACH (c IN CASE WHEN child IS NULL THEN [] ELSE [child] END |
	MERGE (c)-[:REFERRED_BY]->(u)
)
RETURN DISTINCT u.userId AS userId
`

// createUserCypher inserts a user only when the id is unused. Two racing
// creates both pass the OPTIONAL MATCH; the unique constraint rejects the
// second.
const createUserCypher = `
OPTIONAL MATCH (existing:User {userId: $userId})
WITH existing
WHERE existing IS NULL
CREATE (u:User {userId: $userId})
SET u = $props, u.userId = $userId
WITH u
OPTIONAL MATCH (parent:User {userId: u.referredBy})
FOREACH (_ IN CASE WHEN parent IS NULL THEN [] ELSE [1] END |
	CREATE (u)-[:REFERRED_BY]->(parent)
)
RETURN u.userId AS userId
`

const getUserCypher = `
MATCH (u:User {userId: $userId})
RETURN u {.*} AS user
`

const updateUserCypher = `
MATCH (u:User {userId: $userId})
SET u += $props
RETURN u.userId AS userId
`

// promoteUserCypher takes the node's write lock before comparing the role, so
// a second concurrent promotion sees the first one's committed role.
const promoteUserCypher = `
MATCH (u:User {userId: $userId})
SET u._lock = true
REMOVE u._lock
WITH u
WHERE coalesce(u.currentRole, $lowestRole) = $fromRole
SET u.currentRole = $toRole,
	u.historyFrom = coalesce(u.historyFrom, []) + $fromRole,
	u.historyTo = coalesce(u.historyTo, []) + $toRole,
	u.historyAt = coalesce(u.historyAt, []) + $at,
	u.updatedAt = $updatedAt
RETURN u.userId AS userId
`

const userExistsCypher = `
MATCH (u:User {userId: $userId})
RETURN count(u) AS total
`

const getCodeCypher = `
MATCH (c:ReferralCode {code: $code})
RETURN c {.*} AS code
`

const createCodeCypher = `
OPTIONAL MATCH (existing:ReferralCode {code: $code})
WITH existing
WHERE existing IS NULL
CREATE (c:ReferralCode {code: $code})
SET c += $props
WITH c
OPTIONAL MATCH (owner:User {userId: $props.ownerId})
FOREACH (_ IN CASE WHEN owner IS NULL THEN [] ELSE [1] END |
	MERGE (c)-[:OWNED_BY]->(owner)
)
RETURN c.code AS code
`

const upsertCodeCypher = `
MERGE (c:ReferralCode {code: $code})
SET c += $props
WITH c
OPTIONAL MATCH (owner:User {userId: $props.ownerId})
FOREACH (_ IN CASE WHEN owner IS NULL THEN [] ELSE [1] END |
	MERGE (c)-[:OWNED_BY]->(owner)
)
RETURN c.code AS code
`

const incrementCodeCypher = `
MATCH (c:ReferralCode {code: $code})
SET c.clicks = coalesce(c.clicks, 0) + CASE WHEN $counter = 'clicks' THEN $delta ELSE 0 END,
	c.conversions = coalesce(c.conversions, 0) + CASE WHEN $counter = 'conversions' THEN $delta ELSE 0 END
RETURN c.code AS code
`

const pingCypher = `RETURN 1 AS ok`
