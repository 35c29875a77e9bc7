// Package repository define los tipos de dominio del motor de federación
// (Key, DeliveryJob) y los contratos de almacenamiento que los consumen.
//
// Las implementaciones concretas viven en internal/store/{memory,fs,pg,redisq}.
//
//	┌──────────────────────────────────────────────┐
//	│   keys.Manager        delivery.Queue         │
//	└──────────────────────────────────────────────┘
//	              │                  │
//	              ▼                  ▼
//	┌──────────────────────────────────────────────┐
//	│   repository.KeyStore   repository.JobStore  │
//	└──────────────────────────────────────────────┘
//	      │        │       │          │        │
//	      ▼        ▼       ▼          ▼        ▼
//	   memory     fs      pg       redisq   memory
//
// Convenciones:
//   - Context siempre es el primer parámetro.
//   - Los stores devuelven copias; mutar el resultado no altera el store.
//   - Solo keys.Manager muta Keys; solo delivery.Queue muta DeliveryJobs.
package repository
