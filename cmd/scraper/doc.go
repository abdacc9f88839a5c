// Command scraper polls one web page on a schedule, extracts structured data
// from it and pushes every new result to websocket subscribers.
//
// Subcommands:
//
//	scraper serve   run the scheduler, worker and HTTP/websocket server
//	scraper once    fetch and extract a single time, printing the payload
//	scraper keygen  generate an API key and its sha256 digest
//
// Configuration comes from an optional YAML file (--config) and SCRAPER_*
// environment variables. WEBPAGE_URL, CRONTAB, SCHEMA, PROMPT, GEMINI_API_KEY
// and PORT are honored as fallbacks.
package main
