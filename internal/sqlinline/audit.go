package sqlinline

const QEnsureJobEvents = `--sql 7d1c2a4e-93b0-4c55-8f2e-0c6a51d9e3b1
create table if not exists job_events (
    id          bigserial primary key,
    event       text not null,
    job_id      text not null,
    job_kind    text not null default '',
    from_status text not null default '',
    to_status   text not null default '',
    detail      text not null default '',
    cycle_id    text not null default '',
    occurred_at timestamptz not null default now()
);
create index if not exists job_events_job_id_idx on job_events (job_id, occurred_at desc);
`

const QInsertJobEvent = `--sql 2b8f6e90-5a1d-4f3c-b7a2-6de41c08f975
insert into job_events (event, job_id, job_kind, from_status, to_status, detail, cycle_id, occurred_at)
values ($1, $2, $3, $4, $5, $6, $7, $8);
`

const QSelectJobEvents = `--sql c4e07b13-1f62-4a8e-9d35-8b2f7a60e4c2
select event, job_id, job_kind, from_status, to_status, detail, cycle_id, occurred_at
from job_events
where job_id = $1
order by occurred_at desc, id desc
limit $2;
`
