// Package config loads provisioner settings from defaults, an optional YAML
// file and PROVISIONER_ environment variables, and validates them.
//
//	log:
//	  level: info
//	store:
//	  driver: bolt
//	  data_dir: /var/lib/provisioner
//	  unique_keys:
//	    access_grant: [user, setup_role, setup_country]
//	jobs:
//	  workers: 4
//	  task_size: 250
//	reconciler:
//	  enabled: true
//	  interval: 5m
//	metrics:
//	  addr: ":9090"
//	catalog:
//	  access_grant__c: access_grant
package config
