// Package proximity provides the Bluetooth Low Energy building blocks of a
// proximity exchange engine used for digital contact tracing.
//
// Two nearby devices running the same protocol discover each other over BLE,
// exchange signal characteristic data without pairing, and each records an
// encrypted encounter token. The records stay on the device until the user
// consents to an upload.
//
// This package holds the radio level vocabulary shared by the rest of the
// module: UUIDs, advertisement decoding and encoding, the GATT service and
// characteristic model served by the local device, and the Driver and
// ConnectionEvents interfaces a platform radio adapter implements.
//
// PACKAGES
//
//     hci        decodes raw HCI LE advertising reports into Peripherals
//     crypt      one-shot ECDH + AES-CBC + HMAC channel for encounter blobs
//     signal     signal characteristic wire format and write fragmentation
//     peer       peer device registry and operating system inference
//     engine     scan/advertise duty cycles and the connection orchestrator
//     encounter  encounter record pipeline, dedup and export format
//     store      bbolt and redis encounter stores
//     upload     export upload to a pre-signed URL
//     health     device health self-check and periodic reporting
//     sim        in-memory radio used by the simulator and tests
//
// USAGE
//
// An engine is built from a Driver, a registry, the encounter pipeline and a
// payload supplier, then started:
//
//     ch := crypt.MustNew(serverKey)
//     p := encounter.NewPipeline(ch, st, encounter.WithModel("Pixel 7"))
//     e := engine.New(driver, p, payloads)
//     if err := e.Start(ctx); err != nil {
//     	log.Fatal(err)
//     }
//     defer e.Stop()
//
// Note that iOS devices in the background do not advertise the sensor service
// and can only be reached through the Apple manufacturer data; see package peer
// for the inference rules.
package proximity
