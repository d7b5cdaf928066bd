package postgres

const schemaSQL = `
CREATE TABLE IF NOT EXISTS exchange_requests (
	request_id BIGSERIAL PRIMARY KEY,
	user_identity BYTEA NOT NULL,
	user_wallet_address TEXT NOT NULL,
	phone_number TEXT NOT NULL,
	full_name TEXT NOT NULL,

	source_amount NUMERIC(20,2) NOT NULL,
	dest_amount NUMERIC(20,2) NOT NULL,

	status SMALLINT NOT NULL,
	notes TEXT NOT NULL DEFAULT '',

	created_at TIMESTAMPTZ NOT NULL,
	updated_at TIMESTAMPTZ NOT NULL DEFAULT now(),

	CONSTRAINT user_identity_len CHECK (octet_length(user_identity) = 32),
	CONSTRAINT wallet_len CHECK (char_length(user_wallet_address) = 42),
	CONSTRAINT source_amount_nonneg CHECK (source_amount >= 0),
	CONSTRAINT dest_amount_nonneg CHECK (dest_amount >= 0),
	CONSTRAINT status_range CHECK (status >= 1 AND status <= 4)
);

CREATE INDEX IF NOT EXISTS exchange_requests_owner_idx ON exchange_requests (user_identity, request_id);
CREATE INDEX IF NOT EXISTS exchange_requests_status_idx ON exchange_requests (status, request_id);

CREATE TABLE IF NOT EXISTS exchange_admins (
	identity BYTEA PRIMARY KEY,
	added_at TIMESTAMPTZ NOT NULL,

	CONSTRAINT admin_identity_len CHECK (octet_length(identity) = 32)
);
`
