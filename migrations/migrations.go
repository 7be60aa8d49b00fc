package migrations

import (
	"database/sql"
	"time"
)

// AutoMigrateOrders creates the orders table if it does not exist.
func AutoMigrateOrders(retries int, db *sql.DB) error {
	query := `
		CREATE TABLE IF NOT EXISTS orders (
			id CHAR(36) PRIMARY KEY,
			order_number VARCHAR(32) NOT NULL UNIQUE,
			user_id CHAR(36) NOT NULL,
			status VARCHAR(20) NOT NULL,
			payment_status VARCHAR(20) NOT NULL,
			subtotal DECIMAL(10,2) NOT NULL,
			tax_amount DECIMAL(10,2) NOT NULL,
			shipping_amount DECIMAL(10,2) NOT NULL,
			discount_amount DECIMAL(10,2) NOT NULL,
			total_amount DECIMAL(10,2) NOT NULL,
			shipping_address JSON NOT NULL,
			billing_address JSON NOT NULL,
			payment_method VARCHAR(50) NOT NULL,
			notes TEXT NOT NULL,
			created_at DATETIME(6) NOT NULL,
			updated_at DATETIME(6) NOT NULL,
			INDEX idx_orders_user (user_id)
		);
	`
	return execWithRetry(db, query, retries)
}

// AutoMigrateOrderItems creates the order_items table if it does not
// exist. Items cannot outlive their order record.
func AutoMigrateOrderItems(retries int, db *sql.DB) error {
	query := `
		CREATE TABLE IF NOT EXISTS order_items (
			id CHAR(36) PRIMARY KEY,
			order_id CHAR(36) NOT NULL,
			product_id VARCHAR(64) NOT NULL,
			product_name VARCHAR(255) NOT NULL,
			product_sku VARCHAR(64) NOT NULL,
			product_image VARCHAR(512) NOT NULL,
			quantity INT NOT NULL,
			unit_price DECIMAL(10,2) NOT NULL,
			line_total DECIMAL(10,2) NOT NULL,
			FOREIGN KEY (order_id) REFERENCES orders(id)
		);
	`
	return execWithRetry(db, query, retries)
}

// AutoMigratePayments creates the payments table if it does not exist.
// The generated active_slot column backs the at-most-one-active-payment
// invariant: it holds the order id while the payment is not failed or
// cancelled, and NULL otherwise, so the unique key only bites for active
// payments.
func AutoMigratePayments(retries int, db *sql.DB) error {
	query := `
		CREATE TABLE IF NOT EXISTS payments (
			id CHAR(36) PRIMARY KEY,
			order_id CHAR(36) NOT NULL,
			user_id CHAR(36) NOT NULL,
			intent_id VARCHAR(64) NOT NULL,
			charge_id VARCHAR(64) NOT NULL,
			amount DECIMAL(10,2) NOT NULL,
			currency CHAR(3) NOT NULL,
			status VARCHAR(20) NOT NULL,
			method_kind VARCHAR(50) NOT NULL,
			method_details JSON NOT NULL,
			refunded_amount DECIMAL(10,2) NOT NULL,
			failure_reason VARCHAR(255) NOT NULL,
			metadata JSON NOT NULL,
			created_at DATETIME(6) NOT NULL,
			updated_at DATETIME(6) NOT NULL,
			active_slot CHAR(36) GENERATED ALWAYS AS (
				CASE WHEN status NOT IN ('failed', 'cancelled') THEN order_id ELSE NULL END
			) STORED,
			UNIQUE KEY uniq_active_payment (active_slot),
			INDEX idx_payments_intent (intent_id),
			INDEX idx_payments_order (order_id)
		);
	`
	return execWithRetry(db, query, retries)
}

func execWithRetry(db *sql.DB, query string, retries int) error {
	_, err := db.Exec(query)
	if err != nil {
		for i := 0; i < retries; i++ {
			time.Sleep(1 * time.Second)
			if _, err = db.Exec(query); err == nil {
				break
			}
		}
	}
	return err
}
